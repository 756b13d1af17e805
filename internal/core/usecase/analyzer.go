package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
)

// Analyzer derives a structural fingerprint and sensitivity classification
// from a proposed operation. It carries no enforcement logic of its own; the
// guard consumes its output to decide predicate injection, and the audit log
// uses it to categorize records.
type Analyzer struct {
	policy domain.IsolationPolicy

	mu    sync.Mutex
	cache map[string]*PatternStat
}

// PatternStat aggregates how often a query shape has been seen.
type PatternStat struct {
	Fingerprint domain.QueryFingerprint
	Count       int64
	FirstSeen   time.Time
	LastSeen    time.Time
}

func NewAnalyzer(policy domain.IsolationPolicy) *Analyzer {
	return &Analyzer{policy: policy, cache: make(map[string]*PatternStat)}
}

// Classify produces the fingerprint for one access request and records it in
// the pattern cache.
func (a *Analyzer) Classify(req domain.AccessRequest) (domain.QueryFingerprint, error) {
	var (
		normalized string
		tables     []string
		columns    []string
		joinCount  int
	)

	if req.Op == domain.OpRaw {
		ins, err := inspectRaw(req.RawSQL)
		if err != nil {
			return domain.QueryFingerprint{}, err
		}
		normalized = ins.Normalized
		tables = ins.Tables
		columns = ins.Columns
		joinCount = ins.JoinCount
	} else {
		normalized = normalizeStructured(req)
		tables = []string{req.Table}
		columns = structuredColumns(req)
	}

	fp := domain.QueryFingerprint{
		NormalizedText:   normalized,
		Hash:             fingerprintHash(normalized),
		ReferencedTables: tables,
		JoinCount:        joinCount,
		Sensitivity:      a.classifySensitivity(tables, columns),
	}
	for _, table := range tables {
		if a.policy.Scoped(table) {
			fp.RequiresTenantFilter = true
			break
		}
	}

	a.remember(fp)
	return fp, nil
}

// InspectRaw exposes the structural facts of a raw statement to the guard.
func (a *Analyzer) InspectRaw(sql string) (rawInspection, error) {
	return inspectRaw(sql)
}

// Patterns returns a snapshot of the aggregated query shapes, most frequent
// first.
func (a *Analyzer) Patterns() []PatternStat {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := make([]PatternStat, 0, len(a.cache))
	for _, stat := range a.cache {
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Count > stats[j].Count })
	return stats
}

func (a *Analyzer) remember(fp domain.QueryFingerprint) {
	now := time.Now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()
	if stat, ok := a.cache[fp.Hash]; ok {
		stat.Count++
		stat.LastSeen = now
		return
	}
	a.cache[fp.Hash] = &PatternStat{Fingerprint: fp, Count: 1, FirstSeen: now, LastSeen: now}
}

func (a *Analyzer) classifySensitivity(tables, columns []string) domain.Sensitivity {
	sensitivity := domain.SensitivityPublic
	for _, table := range tables {
		switch {
		case a.policy.Confidential(table):
			sensitivity = sensitivity.Max(domain.SensitivityConfidential)
		case a.policy.Scoped(table):
			sensitivity = sensitivity.Max(domain.SensitivityInternal)
		}
	}
	for _, column := range columns {
		if a.policy.PIIField(column) {
			return domain.SensitivityPersonal
		}
	}
	return sensitivity
}

// normalizeStructured renders a structured request into a stable shape:
// columns sorted, values elided, so two requests differing only in literal
// values fingerprint identically.
func normalizeStructured(req domain.AccessRequest) string {
	var b strings.Builder
	b.WriteString(string(req.Op))
	b.WriteByte(' ')
	b.WriteString(req.Table)

	if cols := sortedKeys(req.Payload); len(cols) > 0 {
		fmt.Fprintf(&b, " values (%s)", strings.Join(cols, ", "))
	}
	if cols := sortedKeys(req.Patch); len(cols) > 0 {
		fmt.Fprintf(&b, " set (%s)", strings.Join(cols, ", "))
	}
	if len(req.Filter) > 0 {
		terms := make([]string, 0, len(req.Filter))
		for _, cond := range req.Filter {
			op := cond.Op
			if op == "" {
				op = "eq"
			}
			terms = append(terms, cond.Column+" "+op+" ?")
		}
		sort.Strings(terms)
		b.WriteString(" where ")
		b.WriteString(strings.Join(terms, " and "))
	}
	return b.String()
}

func structuredColumns(req domain.AccessRequest) []string {
	seen := map[string]bool{}
	var columns []string
	add := func(col string) {
		col = strings.ToLower(col)
		if !seen[col] {
			seen[col] = true
			columns = append(columns, col)
		}
	}
	for _, cond := range req.Filter {
		add(cond.Column)
	}
	for col := range req.Payload {
		add(col)
	}
	for col := range req.Patch {
		add(col)
	}
	return columns
}

func sortedKeys(row domain.Row) []string {
	if len(row) == 0 {
		return nil
	}
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fingerprintHash(normalized string) string {
	digest := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(digest[:])
}
