// internal/schema/validator.go
// Package schema provides JSON schema validation for invalidation event envelopes.
// Envelopes are checked before any cache state is touched on their behalf.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Invalidation event types.
const (
	TypeAssetChanged    = "smg.invalidation.asset.changed"
	TypeAssetDeleted    = "smg.invalidation.asset.deleted"
	TypeListsChanged    = "smg.invalidation.lists.changed"
	TypePlaylistChanged = "smg.invalidation.playlist.changed"
)

// SchemaVersions maps event types to their current schema versions.
var SchemaVersions = map[string]string{
	TypeAssetChanged:    "1.0.0", // Asset saved
	TypeAssetDeleted:    "1.0.0", // Asset removed
	TypeListsChanged:    "1.0.0", // List membership or ordering changed
	TypePlaylistChanged: "1.0.0", // Playlist edited
}

const envelopeSchema = `{
  "type": "object",
  "required": ["id", "type", "version", "occurredAt", "payload"],
  "properties": {
    "id": {"type": "string", "pattern": "^[0-9A-HJKMNP-TV-Z]{26}$"},
    "type": {"type": "string"},
    "version": {"type": "string"},
    "occurredAt": {"type": "string", "format": "date-time"},
    "correlationId": {"type": "string"},
    "payload": {"type": "object"}
  }
}`

var payloadSchemas = map[string]string{
	TypeAssetChanged:    `{"type":"object","required":["assetId"],"properties":{"assetId":{"type":"integer","minimum":1}}}`,
	TypeAssetDeleted:    `{"type":"object","required":["assetId"],"properties":{"assetId":{"type":"integer","minimum":1}}}`,
	TypeListsChanged:    `{"type":"object"}`,
	TypePlaylistChanged: `{"type":"object","required":["playlistToken"],"properties":{"playlistToken":{"type":"string","minLength":1,"maxLength":64}}}`,
}

// Validator validates invalidation envelopes against JSON schemas.
type Validator struct {
	envelope *gojsonschema.Schema            // Envelope schema shared by every type
	payloads map[string]*gojsonschema.Schema // Payload schema per event type
}

// NewValidator compiles the envelope and payload schemas.
func NewValidator() (*Validator, error) {
	env, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid envelope schema: %w", err)
	}
	v := &Validator{
		envelope: env,
		payloads: make(map[string]*gojsonschema.Schema, len(payloadSchemas)),
	}
	for typ, s := range payloadSchemas {
		if err := v.loadSchema(typ, s); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

func (v *Validator) loadSchema(typ, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", typ, err)
	}
	v.payloads[typ] = schema
	return nil
}

// Validate checks a raw envelope of the given type and its payload.
// It returns the schema version used for validation.
func (v *Validator) Validate(typ string, envelope, payload []byte) (string, error) {
	schema, ok := v.payloads[typ]
	if !ok {
		return "", fmt.Errorf("unsupported event type: %s", typ)
	}
	if err := check(v.envelope, envelope); err != nil {
		return "", fmt.Errorf("invalid envelope: %w", err)
	}
	if err := check(schema, payload); err != nil {
		return "", fmt.Errorf("invalid %s payload: %w", typ, err)
	}
	return SchemaVersions[typ], nil
}

func check(schema *gojsonschema.Schema, doc []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
