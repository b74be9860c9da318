// Package event carries invalidation signals over NATS JetStream.
//
// The metadata service publishes a signal whenever an asset, a list or a playlist
// changes; every gateway replica applies it to the shared or local cache.
package event

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/schema"
)

// Stream and subjects.
const (
	StreamName     = "SMG_INVALIDATION"
	SubjectPattern = "smg.invalidation.>"
	QueueGroup     = "smg-gateway"
	envelopeVer    = "1.0.0"
)

// Envelope represents the standard event envelope structure.
type Envelope struct {
	ID            string          `json:"id"`                      // ULID, used for deduplication
	Type          string          `json:"type"`                    // Event type, also the subject
	Version       string          `json:"version"`                 // Event schema version
	OccurredAt    time.Time       `json:"occurredAt"`              // When the change happened
	CorrelationID string          `json:"correlationId,omitempty"` // Correlation ID for tracing
	Payload       json.RawMessage `json:"payload"`                 // Event-specific data
}

// AssetPayload is the payload of asset events.
type AssetPayload struct {
	AssetID int64 `json:"assetId"`
}

// PlaylistPayload is the payload of playlist events.
type PlaylistPayload struct {
	PlaylistToken string `json:"playlistToken"`
}

// Types lists every invalidation event type.
var Types = []string{
	schema.TypeAssetChanged,
	schema.TypeAssetDeleted,
	schema.TypeListsChanged,
	schema.TypePlaylistChanged,
}
