package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// beapEnvelopeSchema is the structural contract every incoming envelope
// must satisfy before evaluation looks at its semantics. It is
// deliberately strict: unknown top-level fields are rejected so an
// envelope cannot smuggle undeclared metadata past the boundary.
const beapEnvelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["envelope_id", "package_id", "signature_status", "ingress_channel"],
  "properties": {
    "envelope_id":          {"type": "string", "minLength": 1},
    "package_id":           {"type": "string", "minLength": 1},
    "envelope_hash":        {"type": "string"},
    "signature_status":     {"enum": ["valid", "invalid", "missing", "unknown"]},
    "sender_fingerprint":   {"type": "string"},
    "receiver_fingerprint": {"type": "string"},
    "ingress_channel":      {"type": "string", "minLength": 1},
    "provider":             {"type": "string"},
    "ingress_declarations": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["type", "source"],
        "properties": {
          "type":     {"type": "string"},
          "source":   {"type": "string"},
          "verified": {"type": "boolean"}
        }
      }
    },
    "egress_declarations": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["type", "target"],
        "properties": {
          "type":     {"type": "string"},
          "target":   {"type": "string"},
          "required": {"type": "boolean"}
        }
      }
    },
    "created_at": {"type": "string"},
    "expires_at": {"type": "string"}
  }
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://wrguard.schemas.local/beap_envelope.schema.json"
		if err := c.AddResource(url, bytes.NewReader([]byte(beapEnvelopeSchema))); err != nil {
			envelopeSchemaErr = fmt.Errorf("envelope schema load failed: %w", err)
			return
		}
		envelopeSchema, envelopeSchemaErr = c.Compile(url)
	})
	return envelopeSchema, envelopeSchemaErr
}

// ValidateEnvelopeJSON checks raw envelope JSON against the structural
// schema. A schema violation means the envelope is malformed and must be
// treated as missing by the evaluation pipeline (fail closed).
func ValidateEnvelopeJSON(data []byte) error {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("envelope is not valid JSON: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("envelope schema violation: %w", err)
	}
	return nil
}
