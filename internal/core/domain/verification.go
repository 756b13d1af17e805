package domain

import "time"

// Behavior is what a differential test observed (or expected) the guard
// to do when the same operation ran under two tenant contexts.
type Behavior string

const (
	BehaviorAllow  Behavior = "allow"
	BehaviorDeny   Behavior = "deny"
	BehaviorFilter Behavior = "filter"
	BehaviorError  Behavior = "error"
)

// TestStatus is the per-case state machine: PENDING -> EXECUTING -> terminal.
type TestStatus string

const (
	TestPending   TestStatus = "PENDING"
	TestExecuting TestStatus = "EXECUTING"
	TestPassed    TestStatus = "PASSED"
	TestFailed    TestStatus = "FAILED"
	TestError     TestStatus = "ERROR"
)

// IssueType categorizes a detected security problem.
type IssueType string

const (
	IssueDataLeak            IssueType = "data_leak"
	IssueBypass              IssueType = "bypass"
	IssuePrivilegeEscalation IssueType = "privilege_escalation"
	IssueInjection           IssueType = "injection"
)

// SecurityIssue is evidence of a concrete isolation problem found by a
// verification run.
type SecurityIssue struct {
	Type        IssueType `json:"type"`
	Severity    Severity  `json:"severity"`
	Evidence    string    `json:"evidence"`
	Remediation string    `json:"remediation"`
}

// IsolationTestCase is one authored differential scenario. Cases are
// long-lived; each run yields a fresh IsolationTestResult.
type IsolationTestCase struct {
	ID          string
	Name        string
	Table       string
	Op          Operation
	RawSQL      string
	Params      []any
	Expected    Behavior
	Description string
	Critical    bool // part of the reduced subset the monitor runs
}

// IsolationTestResult is the outcome of executing one case once.
type IsolationTestResult struct {
	CaseID   string          `json:"case_id"`
	CaseName string          `json:"case_name"`
	Status   TestStatus      `json:"status"`
	Expected Behavior        `json:"expected"`
	Actual   Behavior        `json:"actual"`
	Issues   []SecurityIssue `json:"issues,omitempty"`
	Pass     bool            `json:"pass"`
	Latency  time.Duration   `json:"latency"`
	Detail   string          `json:"detail,omitempty"`
}

// HasCriticalIssue reports whether any issue disqualifies the result.
func (r IsolationTestResult) HasCriticalIssue() bool {
	for _, issue := range r.Issues {
		if issue.Severity.AtLeast(SeverityCritical) {
			return true
		}
	}
	return false
}

// ReportStatus aggregates a whole verification run.
type ReportStatus string

const (
	ReportPassed  ReportStatus = "passed"
	ReportPartial ReportStatus = "partial"
	ReportFailed  ReportStatus = "failed"
)

// VerificationReport aggregates one run over a suite of cases. It is the
// structured output an external compliance collaborator consumes.
type VerificationReport struct {
	RunID      string                `json:"run_id"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	TenantA    string                `json:"tenant_a"`
	TenantB    string                `json:"tenant_b"`
	Results    []IsolationTestResult `json:"results"`
	Overall    ReportStatus          `json:"overall_status"`
}

// Aggregate recomputes Overall from Results.
func (r *VerificationReport) Aggregate() {
	passed := 0
	for _, res := range r.Results {
		if res.Pass {
			passed++
		}
	}
	switch {
	case len(r.Results) > 0 && passed == len(r.Results):
		r.Overall = ReportPassed
	case passed > 0:
		r.Overall = ReportPartial
	default:
		r.Overall = ReportFailed
	}
}

// CriticalIssues collects every critical issue across all results.
func (r *VerificationReport) CriticalIssues() []SecurityIssue {
	var issues []SecurityIssue
	for _, res := range r.Results {
		for _, issue := range res.Issues {
			if issue.Severity.AtLeast(SeverityCritical) {
				issues = append(issues, issue)
			}
		}
	}
	return issues
}
