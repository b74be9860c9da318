package event

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/schema"
)

type recordingSink struct {
	calls []string
	err   error // returned by every call while set
}

func (r *recordingSink) record(call string) error {
	r.calls = append(r.calls, call)
	return r.err
}

func (r *recordingSink) OnAssetChanged(_ context.Context, id int64) error {
	return r.record(fmt.Sprintf("changed:%d", id))
}

func (r *recordingSink) OnAssetDeleted(_ context.Context, id int64) error {
	return r.record(fmt.Sprintf("deleted:%d", id))
}

func (r *recordingSink) OnListAffectingChange(context.Context) error {
	return r.record("lists")
}

func (r *recordingSink) OnPlaylistChanged(_ context.Context, token string) error {
	return r.record("playlist:" + token)
}

// fakeMsg records how a delivery was settled.
type fakeMsg struct {
	acks  int
	naks  int
	delay time.Duration
}

func (m *fakeMsg) Ack(...nats.AckOpt) error {
	m.acks++
	return nil
}

func (m *fakeMsg) NakWithDelay(d time.Duration, _ ...nats.AckOpt) error {
	m.naks++
	m.delay = d
	return nil
}

func newTestListener(t *testing.T) (*Listener, *recordingSink) {
	t.Helper()
	v, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	sink := &recordingSink{}
	return NewListener(sink, v, nil, nil), sink
}

func encode(t *testing.T, typ string, payload any) (Envelope, []byte) {
	t.Helper()
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return env, b
}

func TestHandleDispatches(t *testing.T) {
	l, sink := newTestListener(t)
	ctx := context.Background()

	events := []struct {
		typ     string
		payload any
	}{
		{schema.TypeAssetChanged, AssetPayload{AssetID: 7}},
		{schema.TypeAssetDeleted, AssetPayload{AssetID: 8}},
		{schema.TypeListsChanged, struct{}{}},
		{schema.TypePlaylistChanged, PlaylistPayload{PlaylistToken: "pl1"}},
	}
	for _, e := range events {
		_, b := encode(t, e.typ, e.payload)
		if err := l.Handle(ctx, b); err != nil {
			t.Fatalf("Handle(%s) error = %v", e.typ, err)
		}
	}

	want := []string{"changed:7", "deleted:8", "lists", "playlist:pl1"}
	if fmt.Sprint(sink.calls) != fmt.Sprint(want) {
		t.Errorf("sink calls = %v, want %v", sink.calls, want)
	}
}

func TestHandleSkipsDuplicates(t *testing.T) {
	l, sink := newTestListener(t)
	ctx := context.Background()
	now := time.Now()
	l.now = func() time.Time { return now }

	_, b := encode(t, schema.TypeAssetChanged, AssetPayload{AssetID: 7})
	for i := 0; i < 2; i++ {
		if err := l.Handle(ctx, b); err != nil {
			t.Fatalf("Handle() #%d error = %v", i, err)
		}
	}
	if len(sink.calls) != 1 {
		t.Fatalf("sink calls = %v, want one", sink.calls)
	}

	// after the window the same id is applied again
	now = now.Add(dedupWindow + time.Second)
	if err := l.Handle(ctx, b); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(sink.calls) != 2 {
		t.Errorf("sink calls = %v, want two after the dedup window", sink.calls)
	}
}

func TestHandleRejectsInvalid(t *testing.T) {
	l, sink := newTestListener(t)
	ctx := context.Background()

	_, missing := encode(t, schema.TypeAssetChanged, struct{}{})
	_, unknown := encode(t, "smg.invalidation.everything", struct{}{})
	for name, b := range map[string][]byte{
		"not json":         []byte("{"),
		"missing asset id": missing,
		"unknown type":     unknown,
	} {
		if err := l.Handle(ctx, b); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("Handle(%s) error = %v, want ErrInvalidEvent", name, err)
		}
	}
	if len(sink.calls) != 0 {
		t.Errorf("invalid events reached the sink: %v", sink.calls)
	}
}

func TestNewEnvelopeIDsAreUnique(t *testing.T) {
	a, _ := encode(t, schema.TypeListsChanged, struct{}{})
	b, _ := encode(t, schema.TypeListsChanged, struct{}{})
	if a.ID == b.ID {
		t.Errorf("two envelopes share id %s", a.ID)
	}
	if len(a.ID) != 26 {
		t.Errorf("envelope id %q is not a ULID", a.ID)
	}
}

func TestSettleAcksAppliedAndInvalidEvents(t *testing.T) {
	l, _ := newTestListener(t)
	ctx := context.Background()

	_, applied := encode(t, schema.TypeListsChanged, struct{}{})
	for name, b := range map[string][]byte{"applied": applied, "invalid": []byte("{")} {
		msg := &fakeMsg{}
		l.settle(ctx, msg, schema.TypeListsChanged, b)
		if msg.acks != 1 || msg.naks != 0 {
			t.Errorf("%s: acks = %d, naks = %d; want 1, 0", name, msg.acks, msg.naks)
		}
	}
}

func TestSettleRedeliversWhenSinkFails(t *testing.T) {
	l, sink := newTestListener(t)
	ctx := context.Background()
	sink.err = errors.New("cache version bump failed")

	_, b := encode(t, schema.TypeAssetChanged, AssetPayload{AssetID: 42})
	msg := &fakeMsg{}
	l.settle(ctx, msg, schema.TypeAssetChanged, b)
	if msg.acks != 0 || msg.naks != 1 {
		t.Fatalf("acks = %d, naks = %d; want 0, 1", msg.acks, msg.naks)
	}
	if msg.delay != retryDelay {
		t.Errorf("nak delay = %v, want %v", msg.delay, retryDelay)
	}

	// the redelivery carries the same id and must be applied, not skipped as a duplicate
	sink.err = nil
	msg = &fakeMsg{}
	l.settle(ctx, msg, schema.TypeAssetChanged, b)
	if msg.acks != 1 {
		t.Errorf("redelivery acks = %d, want 1", msg.acks)
	}
	if len(sink.calls) != 2 {
		t.Errorf("sink calls = %v, want the event applied twice", sink.calls)
	}
}
