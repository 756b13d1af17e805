package usecase

import (
	"testing"
)

func TestInspectRawSelectWithTenantLiteral(t *testing.T) {
	ins, err := inspectRaw("select id, email from members where tenant_id = 'brf-a'")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if ins.Kind != "select" {
		t.Fatalf("kind = %q", ins.Kind)
	}
	if len(ins.Tables) != 1 || ins.Tables[0] != "members" {
		t.Fatalf("tables = %v", ins.Tables)
	}
	if !ins.HasTenantPredicate {
		t.Fatal("expected tenant predicate")
	}
	if len(ins.TenantLiterals) != 1 || ins.TenantLiterals[0] != "brf-a" {
		t.Fatalf("literals = %v", ins.TenantLiterals)
	}
}

func TestInspectRawSelectWithTenantParam(t *testing.T) {
	ins, err := inspectRaw("select id from invoices where amount_sek > ? and tenant_id = ?")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !ins.HasTenantPredicate {
		t.Fatal("expected tenant predicate")
	}
	if len(ins.TenantParamOrdinals) != 1 || ins.TenantParamOrdinals[0] != 1 {
		t.Fatalf("ordinals = %v, want [1]", ins.TenantParamOrdinals)
	}
}

func TestInspectRawNormalizationElidesLiterals(t *testing.T) {
	a, err := inspectRaw("select id from members where tenant_id = 'brf-a' and floor > 2")
	if err != nil {
		t.Fatalf("inspect a: %v", err)
	}
	b, err := inspectRaw("select id from members where tenant_id = 'brf-b' and floor > 99")
	if err != nil {
		t.Fatalf("inspect b: %v", err)
	}
	if a.Normalized != b.Normalized {
		t.Fatalf("normalized forms differ:\n%s\n%s", a.Normalized, b.Normalized)
	}
}

func TestInspectRawDisjunctivePredicateDoesNotCount(t *testing.T) {
	ins, err := inspectRaw("select id, tenant_id from members where tenant_id = 'brf-a' or 1 = 1")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if ins.HasTenantPredicate {
		t.Fatal("a predicate behind OR must not count")
	}
	if len(ins.TenantLiterals) != 0 {
		t.Fatalf("literals = %v, want none", ins.TenantLiterals)
	}
}

func TestInspectRawParenthesizedConjunctCounts(t *testing.T) {
	ins, err := inspectRaw("select id from members where (tenant_id = 'brf-a') and (floor = 2 or floor = 3)")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !ins.HasTenantPredicate {
		t.Fatal("a parenthesized top-level conjunct must count")
	}
	if len(ins.TenantLiterals) != 1 || ins.TenantLiterals[0] != "brf-a" {
		t.Fatalf("literals = %v", ins.TenantLiterals)
	}
}

func TestInspectRawUnionRequiresPredicatePerBranch(t *testing.T) {
	one, err := inspectRaw("select id from members where tenant_id = 'brf-a' union select id from members")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if one.HasTenantPredicate {
		t.Fatal("a union with an unpredicated branch must not count")
	}

	both, err := inspectRaw("select id from members where tenant_id = 'brf-a' union select id from members where tenant_id = 'brf-a'")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !both.HasTenantPredicate {
		t.Fatal("predicates on every branch should count")
	}
	if len(both.TenantLiterals) != 2 {
		t.Fatalf("literals = %v", both.TenantLiterals)
	}
}

func TestInspectRawSubqueryPredicateDoesNotCount(t *testing.T) {
	ins, err := inspectRaw("select id from members where id in (select member_id from invoices where tenant_id = 'brf-a')")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if ins.HasTenantPredicate {
		t.Fatal("a predicate inside a subquery must not count for the outer statement")
	}
}

func TestInspectRawMultiStatement(t *testing.T) {
	ins, err := inspectRaw("select id from members; delete from members")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !ins.MultiStatement {
		t.Fatal("expected multi-statement detection")
	}
}

func TestInspectRawDDLIsOther(t *testing.T) {
	ins, err := inspectRaw("drop table members")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if ins.Kind != "other" {
		t.Fatalf("kind = %q, want other", ins.Kind)
	}
}

func TestInspectRawUpdateAssigningTenantID(t *testing.T) {
	ins, err := inspectRaw("update members set tenant_id = 'brf-b' where id = 'm1'")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if ins.Kind != "update" || !ins.AssignsTenantID {
		t.Fatalf("kind = %q assigns = %v", ins.Kind, ins.AssignsTenantID)
	}
}

func TestInspectRawInsertColumnList(t *testing.T) {
	ins, err := inspectRaw("insert into members (id, tenant_id) values ('m1', 'brf-b')")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if ins.Kind != "insert" || !ins.AssignsTenantID {
		t.Fatalf("kind = %q assigns = %v", ins.Kind, ins.AssignsTenantID)
	}
}

func TestInspectRawJoinCounting(t *testing.T) {
	ins, err := inspectRaw("select m.id from members m join invoices i on i.member_id = m.id where m.tenant_id = 'brf-a'")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if ins.JoinCount != 1 {
		t.Fatalf("join count = %d", ins.JoinCount)
	}
	if len(ins.Tables) != 2 {
		t.Fatalf("tables = %v", ins.Tables)
	}
}

func TestInspectRawUnparseable(t *testing.T) {
	if _, err := inspectRaw("definitely not sql"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParamOrdinal(t *testing.T) {
	cases := []struct {
		arg string
		n   int
		ok  bool
	}{
		{":v1", 0, true},
		{":v3", 2, true},
		{":name", 0, false},
		{"v1", 0, false},
	}
	for _, tc := range cases {
		n, ok := paramOrdinal(tc.arg)
		if n != tc.n || ok != tc.ok {
			t.Fatalf("paramOrdinal(%q) = %d,%v", tc.arg, n, ok)
		}
	}
}
