package domain

import (
	"fmt"
	"regexp"
)

// IsolationPolicy is the externally supplied configuration the guard
// enforces. It is an allow-list: a table the policy does not name is
// inaccessible until somebody classifies it.
type IsolationPolicy struct {
	TenantScopedTables    map[string]bool
	SharedTables          map[string]bool
	SoftDeleteTables      map[string]bool
	ConfidentialTables    map[string]bool
	WriteRestrictedTables map[string][]string
	PIIFieldPatterns      []*regexp.Regexp
	RawQueryDenyPatterns  []*regexp.Regexp
	Retention             RetentionPolicy
	MaxReadLimit          int
}

// Known reports whether the table appears anywhere on the allow-list.
func (p IsolationPolicy) Known(table string) bool {
	return p.TenantScopedTables[table] || p.SharedTables[table]
}

// Scoped reports whether the table carries per-tenant rows and therefore
// always gets the tenant predicate.
func (p IsolationPolicy) Scoped(table string) bool {
	return p.TenantScopedTables[table]
}

// SoftDelete reports whether deletes on the table set a deletion marker
// instead of removing the row.
func (p IsolationPolicy) SoftDelete(table string) bool {
	return p.SoftDeleteTables[table]
}

// Confidential reports whether the table holds financial or governance data.
func (p IsolationPolicy) Confidential(table string) bool {
	return p.ConfidentialTables[table]
}

// WriteAllowed reports whether role may mutate table. Tables absent from the
// restriction map are writable by any role the caller arrived with.
func (p IsolationPolicy) WriteAllowed(table, role string) bool {
	roles, restricted := p.WriteRestrictedTables[table]
	if !restricted {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// PIIField reports whether a column name matches the configured personal
// data patterns (personnummer, contact details, bank accounts and the like).
func (p IsolationPolicy) PIIField(column string) bool {
	for _, pat := range p.PIIFieldPatterns {
		if pat.MatchString(column) {
			return true
		}
	}
	return false
}

// DeniedRaw reports whether raw SQL matches a configured deny pattern. This
// is the regex escape hatch; structural checks on the parsed statement are
// the primary defence.
func (p IsolationPolicy) DeniedRaw(sql string) (string, bool) {
	for _, pat := range p.RawQueryDenyPatterns {
		if pat.MatchString(sql) {
			return pat.String(), true
		}
	}
	return "", false
}

// Validate fails closed on a policy that could not enforce anything.
func (p IsolationPolicy) Validate() error {
	if len(p.TenantScopedTables) == 0 {
		return &ConfigError{Reason: "policy declares no tenant scoped tables"}
	}
	for table := range p.SoftDeleteTables {
		if !p.Known(table) {
			return &ConfigError{Table: table, Reason: "soft delete table is not on the allow-list"}
		}
	}
	for table := range p.WriteRestrictedTables {
		if !p.Known(table) {
			return &ConfigError{Table: table, Reason: "write restricted table is not on the allow-list"}
		}
	}
	for table := range p.TenantScopedTables {
		if p.SharedTables[table] {
			return &ConfigError{Table: table, Reason: "table cannot be both scoped and shared"}
		}
	}
	return nil
}

// PolicyDocument is the wire form of an IsolationPolicy as supplied by the
// operator (validated against a JSON Schema before it gets here).
type PolicyDocument struct {
	TenantScopedTables    []string            `json:"tenant_scoped_tables"`
	SharedTables          []string            `json:"shared_tables"`
	SoftDeleteTables      []string            `json:"soft_delete_tables"`
	ConfidentialTables    []string            `json:"confidential_tables"`
	WriteRestrictedTables map[string][]string `json:"write_restricted_tables"`
	PIIFieldPatterns      []string            `json:"pii_field_patterns"`
	RawQueryDenyPatterns  []string            `json:"raw_query_deny_patterns"`
	RetentionDays         map[string]int      `json:"retention_days"`
	MaxReadLimit          int                 `json:"max_read_limit"`
}

// Compile turns the wire form into an enforceable policy, compiling every
// pattern and validating the result.
func (d PolicyDocument) Compile() (IsolationPolicy, error) {
	scoped, err := toSet(d.TenantScopedTables)
	if err != nil {
		return IsolationPolicy{}, err
	}
	shared, err := toSet(d.SharedTables)
	if err != nil {
		return IsolationPolicy{}, err
	}
	soft, err := toSet(d.SoftDeleteTables)
	if err != nil {
		return IsolationPolicy{}, err
	}
	confidential, err := toSet(d.ConfidentialTables)
	if err != nil {
		return IsolationPolicy{}, err
	}
	pii, err := compilePatterns(d.PIIFieldPatterns)
	if err != nil {
		return IsolationPolicy{}, err
	}
	deny, err := compilePatterns(d.RawQueryDenyPatterns)
	if err != nil {
		return IsolationPolicy{}, err
	}

	retention := RetentionPolicy{}
	for outcome, days := range d.RetentionDays {
		retention[Outcome(outcome)] = days
	}

	policy := IsolationPolicy{
		TenantScopedTables:    scoped,
		SharedTables:          shared,
		SoftDeleteTables:      soft,
		ConfidentialTables:    confidential,
		WriteRestrictedTables: d.WriteRestrictedTables,
		PIIFieldPatterns:      pii,
		RawQueryDenyPatterns:  deny,
		Retention:             retention,
		MaxReadLimit:          d.MaxReadLimit,
	}
	if policy.MaxReadLimit <= 0 {
		policy.MaxReadLimit = 1000
	}
	if err := policy.Validate(); err != nil {
		return IsolationPolicy{}, err
	}
	return policy, nil
}

func toSet(names []string) (map[string]bool, error) {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		if !columnPattern.MatchString(name) {
			return nil, &ConfigError{Table: name, Reason: "invalid table name"}
		}
		set[name] = true
	}
	return set, nil
}

func compilePatterns(raw []string) ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(raw))
	for _, expr := range raw {
		pat, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
		}
		patterns = append(patterns, pat)
	}
	return patterns, nil
}
