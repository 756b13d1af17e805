package usecase

import (
	"testing"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
)

func testPolicy(t *testing.T) domain.IsolationPolicy {
	t.Helper()
	doc := domain.PolicyDocument{
		TenantScopedTables: []string{"members", "apartments", "invoices"},
		SharedTables:       []string{"postal_codes"},
		SoftDeleteTables:   []string{"members"},
		ConfidentialTables: []string{"invoices"},
		WriteRestrictedTables: map[string][]string{
			"invoices": {"treasurer", "admin"},
		},
		PIIFieldPatterns:     []string{"personnummer", "^email$", "bank_account"},
		RawQueryDenyPatterns: []string{`(?i)\bpragma\b`},
		RetentionDays:        map[string]int{"success": 90},
	}
	policy, err := doc.Compile()
	if err != nil {
		t.Fatalf("compile test policy: %v", err)
	}
	return policy
}

func TestClassifyStructuredStableAcrossValues(t *testing.T) {
	analyzer := NewAnalyzer(testPolicy(t))

	a, err := analyzer.Classify(domain.AccessRequest{
		Table: "apartments", Op: domain.OpRead,
		Filter: domain.Filter{domain.Eq("floor", 2)},
	})
	if err != nil {
		t.Fatalf("classify a: %v", err)
	}
	b, err := analyzer.Classify(domain.AccessRequest{
		Table: "apartments", Op: domain.OpRead,
		Filter: domain.Filter{domain.Eq("floor", 7)},
	})
	if err != nil {
		t.Fatalf("classify b: %v", err)
	}

	if a.Hash != b.Hash {
		t.Fatalf("same shape should share a fingerprint: %q vs %q", a.NormalizedText, b.NormalizedText)
	}
	if !a.RequiresTenantFilter {
		t.Fatal("scoped table should require the tenant filter")
	}
}

func TestClassifySensitivity(t *testing.T) {
	analyzer := NewAnalyzer(testPolicy(t))

	cases := []struct {
		name string
		req  domain.AccessRequest
		want domain.Sensitivity
	}{
		{
			"shared lookup table",
			domain.AccessRequest{Table: "postal_codes", Op: domain.OpRead},
			domain.SensitivityPublic,
		},
		{
			"scoped table",
			domain.AccessRequest{Table: "apartments", Op: domain.OpRead},
			domain.SensitivityInternal,
		},
		{
			"confidential table",
			domain.AccessRequest{Table: "invoices", Op: domain.OpRead},
			domain.SensitivityConfidential,
		},
		{
			"pii column overrides",
			domain.AccessRequest{Table: "members", Op: domain.OpRead, Filter: domain.Filter{domain.Eq("personnummer", "x")}},
			domain.SensitivityPersonal,
		},
		{
			"pii in payload",
			domain.AccessRequest{Table: "invoices", Op: domain.OpWrite, Payload: domain.Row{"bank_account": "123"}},
			domain.SensitivityPersonal,
		},
	}
	for _, tc := range cases {
		fp, err := analyzer.Classify(tc.req)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if fp.Sensitivity != tc.want {
			t.Fatalf("%s: sensitivity = %s, want %s", tc.name, fp.Sensitivity, tc.want)
		}
	}
}

func TestClassifyRawStatement(t *testing.T) {
	analyzer := NewAnalyzer(testPolicy(t))

	fp, err := analyzer.Classify(domain.AccessRequest{
		Op:     domain.OpRaw,
		RawSQL: "select personnummer from members where tenant_id = 'brf-a'",
	})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if fp.Sensitivity != domain.SensitivityPersonal {
		t.Fatalf("sensitivity = %s", fp.Sensitivity)
	}
	if !fp.RequiresTenantFilter {
		t.Fatal("raw statement on scoped table should require the tenant filter")
	}
}

func TestClassifyRawUnparseableFails(t *testing.T) {
	analyzer := NewAnalyzer(testPolicy(t))
	if _, err := analyzer.Classify(domain.AccessRequest{Op: domain.OpRaw, RawSQL: "nonsense"}); err == nil {
		t.Fatal("expected classify error for unparseable statement")
	}
}

func TestPatternsAggregateByFrequency(t *testing.T) {
	analyzer := NewAnalyzer(testPolicy(t))

	frequent := domain.AccessRequest{Table: "members", Op: domain.OpRead}
	rare := domain.AccessRequest{Table: "apartments", Op: domain.OpRead}
	for i := 0; i < 3; i++ {
		if _, err := analyzer.Classify(frequent); err != nil {
			t.Fatalf("classify: %v", err)
		}
	}
	if _, err := analyzer.Classify(rare); err != nil {
		t.Fatalf("classify: %v", err)
	}

	stats := analyzer.Patterns()
	if len(stats) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(stats))
	}
	if stats[0].Count != 3 || stats[1].Count != 1 {
		t.Fatalf("counts = %d, %d", stats[0].Count, stats[1].Count)
	}
	if stats[0].LastSeen.Before(stats[0].FirstSeen) {
		t.Fatal("last seen precedes first seen")
	}
}
