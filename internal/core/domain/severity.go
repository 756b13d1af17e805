package domain

// Severity is the single canonical severity scale shared by the guard, the
// analyzer and the verifier. Comparisons must go through Rank so every
// component orders severities identically.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of s; unknown severities rank below low.
func (s Severity) Rank() int {
	return severityRanks[s]
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}
