package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
)

// policySchema is the contract for operator-supplied isolation policy
// documents. Validating up front keeps a typo'd policy from silently
// weakening enforcement.
const policySchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["tenant_scoped_tables"],
	"additionalProperties": false,
	"properties": {
		"tenant_scoped_tables": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
		"shared_tables": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"soft_delete_tables": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"confidential_tables": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"write_restricted_tables": {
			"type": "object",
			"additionalProperties": {"type": "array", "items": {"type": "string", "minLength": 1}}
		},
		"pii_field_patterns": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"raw_query_deny_patterns": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"retention_days": {
			"type": "object",
			"additionalProperties": {"type": "integer"}
		},
		"max_read_limit": {"type": "integer", "minimum": 1}
	}
}`

// LoadPolicy parses, schema-validates and compiles an isolation policy
// document.
func LoadPolicy(raw []byte) (domain.IsolationPolicy, error) {
	if !json.Valid(raw) {
		return domain.IsolationPolicy{}, &domain.ConfigError{Reason: "policy must be valid json"}
	}

	schema, err := compilePolicySchema()
	if err != nil {
		return domain.IsolationPolicy{}, fmt.Errorf("compile policy schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.IsolationPolicy{}, fmt.Errorf("unmarshal policy: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return domain.IsolationPolicy{}, &domain.ConfigError{Reason: "policy schema violation: " + ve.Error()}
		}
		return domain.IsolationPolicy{}, fmt.Errorf("validate policy: %w", err)
	}

	var doc domain.PolicyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.IsolationPolicy{}, fmt.Errorf("decode policy: %w", err)
	}
	return doc.Compile()
}

func compilePolicySchema() (*santhosh.Schema, error) {
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource("policy.json", bytes.NewReader([]byte(policySchema))); err != nil {
		return nil, err
	}
	return compiler.Compile("policy.json")
}
