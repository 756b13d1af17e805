package domain

import "regexp"

// Operation is the kind of guarded storage access.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpRaw    Operation = "raw"

	// OpVerify tags audit records produced by verification runs rather
	// than guarded calls.
	OpVerify Operation = "verify"
)

var columnPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Row is one storage row keyed by column name.
type Row map[string]any

// Condition is a single column predicate. Conditions in a Filter are ANDed.
type Condition struct {
	Column string
	Op     string // eq, ne, gt, gte, lt, lte, like, null, notnull
	Value  any
}

func (c Condition) Validate() error {
	if !columnPattern.MatchString(c.Column) {
		return ErrInvalidColumn
	}
	switch c.Op {
	case "", "eq", "ne", "gt", "gte", "lt", "lte", "like":
		if c.Value == nil {
			return ErrInvalidFilter
		}
	case "null", "notnull":
		if c.Value != nil {
			return ErrInvalidFilter
		}
	default:
		return ErrInvalidFilter
	}
	return nil
}

// Filter is an AND-combined set of column predicates.
type Filter []Condition

func (f Filter) Validate() error {
	for _, c := range f {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Eq is shorthand for a single equality condition.
func Eq(column string, value any) Condition {
	return Condition{Column: column, Op: "eq", Value: value}
}

// ReadOptions bound a read. Limit is always capped by the guard so no
// enforcement-path query is unbounded.
type ReadOptions struct {
	Limit   int
	Offset  int
	OrderBy string
}

func (o ReadOptions) Validate() error {
	if o.OrderBy != "" && !columnPattern.MatchString(o.OrderBy) {
		return ErrInvalidColumn
	}
	return nil
}

// AccessRequest is the ephemeral description of one guarded call, consumed
// by the analyzer and discarded when the call returns.
type AccessRequest struct {
	Table   string
	Op      Operation
	Filter  Filter
	Payload Row
	Patch   Row
	RawSQL  string
	Params  []any
}
