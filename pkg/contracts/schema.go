package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const bundleSchemaURL = "https://claimgate.schemas.local/claim_bundle.schema.json"

// bundleSchema describes the claim bundle wire format.
const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "origin_agent", "claims"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"},
    "schema_version": {"type": "string"},
    "origin_agent": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {
          "type": "object",
          "required": ["id"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "tier": {"type": "integer", "minimum": 0, "maximum": 4}
          }
        }
      ]
    },
    "claims": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/claim"}},
    "decision": {"enum": ["PUBLISH", "DEFER", "ESCALATE", "REFUSE"]},
    "reason": {"type": "string"},
    "required_approvals": {"type": "array", "items": {"type": "string"}},
    "evaluation_request": false,
    "audit_trail": {
      "type": "object",
      "properties": {
        "gates_passed": {"type": "array", "items": {"type": "string"}},
        "gates_failed": {"type": "array", "items": {"type": "string"}},
        "human_approvals": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["approver", "decision"],
            "properties": {
              "approver": {"type": "string"},
              "timestamp": {"type": "string"},
              "decision": {"enum": ["APPROVE", "DENY"]},
              "reason": {"type": "string"},
              "target": {"type": "string"},
              "receipt_id": {"type": "string"}
            }
          }
        }
      }
    }
  },
  "$defs": {
    "claim": {
      "type": "object",
      "required": ["id", "claim_type", "uncertainty", "risk_tier"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "statement": {"type": "string"},
        "claim_type": {"enum": ["FACT", "INFERENCE", "DECISION"]},
        "evidence_pointers": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["source", "source_confidence", "evidence_hash"],
            "properties": {
              "source": {"type": "string"},
              "source_confidence": {"type": "number", "minimum": 0, "maximum": 1},
              "evidence_hash": {"type": "string"},
              "retrieved_at": {"type": "string"}
            }
          }
        },
        "uncertainty": {
          "type": "object",
          "required": ["value"],
          "properties": {
            "method": {"enum": ["semantic_entropy", "model_disagreement", "confidence_score", "conformal_set"]},
            "value": {"type": "number", "minimum": 0, "maximum": 1},
            "interpretation": {"type": "string"},
            "gate_recommendation": {"enum": ["EXECUTE", "DEFER", "REFUSE", "EXPLAIN"]}
          }
        },
        "risk_tier": {"enum": ["READ_ONLY", "WRITE_LIMITED", "MODIFY", "DELETE", "PRIVILEGE"]},
        "if_wrong_cost": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(bundleSchemaURL, strings.NewReader(bundleSchema)); err != nil {
			schemaErr = fmt.Errorf("bundle schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(bundleSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateJSON checks raw wire JSON against the bundle schema.
func ValidateJSON(raw []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &ValidationError{Issues: []string{"malformed JSON: " + err.Error()}}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Issues: []string{err.Error()}}
	}
	return nil
}

// DecodeBundle validates raw JSON against the schema, decodes it and runs
// structural validation. Missing defaults are filled in.
func DecodeBundle(raw []byte) (*ClaimBundle, error) {
	if err := ValidateJSON(raw); err != nil {
		return nil, err
	}
	var b ClaimBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, &ValidationError{Issues: []string{err.Error()}}
	}
	b.normalize()
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *ClaimBundle) normalize() {
	if b.SchemaVersion == "" {
		b.SchemaVersion = SchemaVersion
	}
	if b.Decision == "" {
		b.Decision = DecisionDefer
	}
	if b.RequiredApprovals == nil {
		b.RequiredApprovals = []string{}
	}
	if b.AuditTrail.GatesPassed == nil {
		b.AuditTrail.GatesPassed = []string{}
	}
	if b.AuditTrail.GatesFailed == nil {
		b.AuditTrail.GatesFailed = []string{}
	}
	if b.AuditTrail.HumanApprovals == nil {
		b.AuditTrail.HumanApprovals = []HumanApproval{}
	}
	for i := range b.Claims {
		if b.Claims[i].EvidencePointers == nil {
			b.Claims[i].EvidencePointers = []EvidencePointer{}
		}
	}
}
