package domain

import "time"

// Outcome is the enforcement decision recorded for a guarded call.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeViolation Outcome = "violation"
	OutcomeError     Outcome = "error"
)

// AuditRecord is one append-only enforcement decision. Records are never
// edited; the only way one leaves storage is the retention purge.
type AuditRecord struct {
	ID              string
	TenantID        string
	ActorID         string
	Operation       Operation
	Table           string
	Outcome         Outcome
	FingerprintHash string
	Sensitivity     Sensitivity
	Severity        Severity
	Detail          string
	RecordedAt      time.Time
}

// AuditQuery is the filter surface consumed by reporting collaborators.
type AuditQuery struct {
	TenantID       string
	From           time.Time
	To             time.Time
	ViolationsOnly bool
	MinSeverity    Severity
	Limit          int
}

// RetentionPolicy maps an outcome to how many days its records are kept.
// A zero or negative value means the category is never purged.
type RetentionPolicy map[Outcome]int

// ExpiryCutoff returns the newest RecordedAt that is expired for outcome,
// or the zero time if the category is retained forever.
func (p RetentionPolicy) ExpiryCutoff(outcome Outcome, now time.Time) time.Time {
	days, ok := p[outcome]
	if !ok || days <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -days)
}
