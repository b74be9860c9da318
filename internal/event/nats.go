// internal/event/nats.go
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/schema"
)

// dedupWindow is how long a processed event id is remembered.
const dedupWindow = 2 * time.Minute

// retryDelay is how long JetStream waits before redelivering an event that failed to apply.
const retryDelay = 2 * time.Second

// ErrInvalidEvent marks an envelope that failed decoding or validation.
var ErrInvalidEvent = errors.New("invalid invalidation event")

// Sink applies invalidation signals. An error means the signal did not fully
// land and should be delivered again.
type Sink interface {
	OnAssetChanged(ctx context.Context, assetID int64) error
	OnAssetDeleted(ctx context.Context, assetID int64) error
	OnListAffectingChange(ctx context.Context) error
	OnPlaylistChanged(ctx context.Context, token string) error
}

// Publisher publishes invalidation signals.
type Publisher interface {
	PublishAssetChanged(ctx context.Context, assetID int64) error
	PublishAssetDeleted(ctx context.Context, assetID int64) error
	PublishListsChanged(ctx context.Context) error
	PublishPlaylistChanged(ctx context.Context, token string) error
	Close() error
}

// Connect opens a JetStream context and makes sure the invalidation stream exists.
func Connect(url string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url, nats.Name("securemedia-gateway"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("NATS connect failed: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("NATS JetStream context creation failed: %w", err)
	}
	if err := initStream(js); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

// initStream creates the invalidation stream when it does not exist yet.
func initStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPattern},
		Retention:  nats.LimitsPolicy,
		MaxAge:     24 * time.Hour, // signals are only useful while caches still hold old entries
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: dedupWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects a publisher to url.
func NewPublisher(url string) (Publisher, error) {
	nc, js, err := Connect(url)
	if err != nil {
		return nil, err
	}
	return &natsPub{nc: nc, js: js}, nil
}

// NewEnvelope wraps payload in an envelope of the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:            ulid.Make().String(),
		Type:          typ,
		Version:       envelopeVer,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       b,
	}, nil
}

func (p *natsPub) publish(ctx context.Context, typ string, payload any) error {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	// the envelope id doubles as the JetStream message id so the server drops replays
	_, err = p.js.Publish(typ, b, nats.Context(ctx), nats.MsgId(env.ID))
	return err
}

func (p *natsPub) PublishAssetChanged(ctx context.Context, assetID int64) error {
	return p.publish(ctx, schema.TypeAssetChanged, AssetPayload{AssetID: assetID})
}

func (p *natsPub) PublishAssetDeleted(ctx context.Context, assetID int64) error {
	return p.publish(ctx, schema.TypeAssetDeleted, AssetPayload{AssetID: assetID})
}

func (p *natsPub) PublishListsChanged(ctx context.Context) error {
	return p.publish(ctx, schema.TypeListsChanged, struct{}{})
}

func (p *natsPub) PublishPlaylistChanged(ctx context.Context, token string) error {
	return p.publish(ctx, schema.TypePlaylistChanged, PlaylistPayload{PlaylistToken: token})
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// Listener applies invalidation signals received from JetStream to a Sink.
type Listener struct {
	sink      Sink
	validator *schema.Validator
	log       *slog.Logger
	metrics   *metrics.Metrics

	mutex sync.Mutex
	seen  map[string]time.Time // event id -> first processed
	now   func() time.Time

	sub *nats.Subscription
}

// NewListener creates a Listener.
func NewListener(sink Sink, validator *schema.Validator, log *slog.Logger, m *metrics.Metrics) *Listener {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Listener{
		sink:      sink,
		validator: validator,
		log:       log.With("component", "event"),
		metrics:   m,
		seen:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// Subscribe starts consuming the invalidation stream. With shared=true replicas
// share one durable consumer through a queue group, so each signal is applied
// once; otherwise every replica receives every signal.
func (l *Listener) Subscribe(ctx context.Context, js nats.JetStreamContext, shared bool) error {
	handler := func(msg *nats.Msg) {
		l.settle(ctx, msg, msg.Subject, msg.Data)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if shared {
		sub, err = js.QueueSubscribe(SubjectPattern, QueueGroup, handler,
			nats.Durable(QueueGroup), nats.ManualAck(), nats.DeliverNew())
	} else {
		sub, err = js.Subscribe(SubjectPattern, handler, nats.ManualAck(), nats.DeliverNew())
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectPattern, err)
	}
	l.sub = sub
	l.log.Info("subscribed to invalidation events", "subject", SubjectPattern, "shared", shared)
	return nil
}

// acknowledger is the part of *nats.Msg that settles a delivery.
type acknowledger interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
}

// settle applies one delivery and acks it, unless the sink failed, in which case
// the delivery is naked so JetStream redelivers it after retryDelay.
func (l *Listener) settle(ctx context.Context, msg acknowledger, subject string, data []byte) {
	err := l.Handle(ctx, data)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidEvent):
		// acked below; redelivery cannot fix them
		l.log.Warn("dropping invalidation event", "subject", subject, "error", err)
	default:
		l.log.Warn("invalidation event not applied, requesting redelivery", "subject", subject, "error", err)
		if err := msg.NakWithDelay(retryDelay); err != nil {
			l.log.Warn("failed to nak invalidation event", "error", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		l.log.Warn("failed to ack invalidation event", "error", err)
	}
}

// Close stops consuming.
func (l *Listener) Close() error {
	if l.sub == nil {
		return nil
	}
	return l.sub.Unsubscribe()
}

// Handle validates one raw envelope and applies it. Duplicate ids within the
// dedup window are skipped. Envelopes that cannot be decoded or validated return
// ErrInvalidEvent; any other error comes from the Sink, and the id is forgotten
// so a redelivery is applied again.
func (l *Listener) Handle(ctx context.Context, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.metrics.InvalidationEventTotal.WithLabelValues("unknown", "invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if _, err := l.validator.Validate(env.Type, data, env.Payload); err != nil {
		l.metrics.InvalidationEventTotal.WithLabelValues(typeLabel(env.Type), "invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if l.duplicate(env.ID) {
		l.metrics.InvalidationEventTotal.WithLabelValues(env.Type, "duplicate").Inc()
		l.log.DebugContext(ctx, "skipping duplicate invalidation event", "id", env.ID, "type", env.Type)
		return nil
	}

	if err := l.apply(ctx, env); err != nil {
		l.forget(env.ID)
		if !errors.Is(err, ErrInvalidEvent) {
			l.metrics.InvalidationEventTotal.WithLabelValues(env.Type, "failed").Inc()
		}
		return err
	}
	l.metrics.InvalidationEventTotal.WithLabelValues(env.Type, "applied").Inc()
	l.log.DebugContext(ctx, "applied invalidation event", "id", env.ID, "type", env.Type, "correlation_id", env.CorrelationID)
	return nil
}

func (l *Listener) apply(ctx context.Context, env Envelope) error {
	switch env.Type {
	case schema.TypeAssetChanged, schema.TypeAssetDeleted:
		var p AssetPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if env.Type == schema.TypeAssetChanged {
			return l.sink.OnAssetChanged(ctx, p.AssetID)
		}
		return l.sink.OnAssetDeleted(ctx, p.AssetID)
	case schema.TypeListsChanged:
		return l.sink.OnListAffectingChange(ctx)
	case schema.TypePlaylistChanged:
		var p PlaylistPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return l.sink.OnPlaylistChanged(ctx, p.PlaylistToken)
	}
	return nil
}

func (l *Listener) forget(id string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.seen, id)
}

// duplicate records id and reports whether it was already seen inside the window.
func (l *Listener) duplicate(id string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := l.now()
	for k, t := range l.seen {
		if now.Sub(t) >= dedupWindow {
			delete(l.seen, k)
		}
	}
	if _, ok := l.seen[id]; ok {
		return true
	}
	l.seen[id] = now
	return false
}

// typeLabel bounds the metric label set to known event types.
func typeLabel(typ string) string {
	if _, ok := schema.SchemaVersions[typ]; ok {
		return typ
	}
	return "unknown"
}
