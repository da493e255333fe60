package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
)

// mapEntityStore is a minimal in-package store for exercising the append
// path without pulling in a real database.
type mapEntityStore struct {
	docs map[string]*Document
}

func newMapStore() *mapEntityStore {
	return &mapEntityStore{docs: make(map[string]*Document)}
}

func (s *mapEntityStore) Create(_ context.Context, doc *Document) error {
	s.docs[doc.ID] = doc
	return nil
}

func (s *mapEntityStore) Get(_ context.Context, id string) (*Document, error) {
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (s *mapEntityStore) Update(_ context.Context, id string, mutate func(doc *Document) error) error {
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	return mutate(doc)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*Ledger, *mapEntityStore) {
	t.Helper()
	store := newMapStore()
	doc := &Document{
		ID:          "doc-1",
		OwnerID:     "owner-1",
		SourceHash:  "sha256:source",
		WitnessHash: "sha256:witness",
		Status:      StatusWitnessReady,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
	require.NoError(t, store.Create(context.Background(), doc))
	l := New(store).WithClock(func() time.Time { return t0.Add(time.Hour) })
	return l, store
}

func TestAppend_GrowsEventList(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	ev := event.New(t0, event.RequestedPayload{DocumentID: "doc-1"})
	require.NoError(t, l.Append(ctx, "doc-1", ev))

	doc, err := store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, doc.Events, 1)
	assert.Equal(t, event.KindProtectionRequested, doc.Events[0].Kind)
	assert.True(t, doc.UpdatedAt.After(t0))
}

func TestAppend_StampsMissingTimestamp(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	ev := event.Event{Kind: event.KindProtectionRequested, Payload: event.RequestedPayload{DocumentID: "doc-1"}}
	require.NoError(t, l.Append(ctx, "doc-1", ev))

	doc, _ := store.Get(ctx, "doc-1")
	assert.False(t, doc.Events[0].At.IsZero())
}

func TestAppend_RejectsInvalidEvent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	err := l.Append(ctx, "doc-1", event.New(t0, event.RequestedPayload{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestAppend_RejectsWitnessHashMismatch(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	err := l.Append(ctx, "doc-1", event.New(t0, event.TSAConfirmedPayload{
		WitnessHash: "sha256:other",
		Token:       "dG9rZW4=",
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	doc, _ := store.Get(ctx, "doc-1")
	assert.Empty(t, doc.Events, "rejected event must not be appended")
}

func TestAppend_AcceptsMatchingWitnessHash(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	err := l.Append(ctx, "doc-1", event.New(t0, event.TSAConfirmedPayload{
		WitnessHash: "sha256:witness",
		Token:       "dG9rZW4=",
	}))
	assert.NoError(t, err)
}

func TestAppend_RejectsAnchorCausalityViolation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	confirmed := t0.Add(-time.Minute) // before the event itself
	p := event.NewAnchorPayload(event.KindAnchorConfirmed, event.NetworkPolygon)
	p.TxID = "0x1"
	p.ConfirmedAt = &confirmed

	err := l.Append(ctx, "doc-1", event.New(t0, p))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestAppend_ArtifactFinalizedAdvancesStatus(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, "doc-1", event.New(t0, event.ArtifactFinalizedPayload{
		ArtifactHash: "sha256:cert",
	})))

	doc, _ := store.Get(ctx, "doc-1")
	assert.Equal(t, StatusAnchored, doc.Status)
}

func TestAppend_RevokedStatusIsTerminal(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	store.docs["doc-1"].Status = StatusRevoked

	require.NoError(t, l.Append(ctx, "doc-1", event.New(t0, event.ArtifactFinalizedPayload{
		ArtifactHash: "sha256:cert",
	})))

	doc, _ := store.Get(ctx, "doc-1")
	assert.Equal(t, StatusRevoked, doc.Status)
}

func TestAppend_UnknownDocument(t *testing.T) {
	l, _ := newTestLedger(t)
	err := l.Append(context.Background(), "missing", event.New(t0, event.RequestedPayload{DocumentID: "missing"}))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjections(t *testing.T) {
	confirmedA := t0.Add(10 * time.Minute)
	confirmedB := t0.Add(20 * time.Minute)

	pa := event.NewAnchorPayload(event.KindAnchorConfirmed, event.NetworkPolygon)
	pa.TxID = "0xa"
	pa.ConfirmedAt = &confirmedA
	pb := event.NewAnchorPayload(event.KindAnchorConfirmed, event.NetworkPolygon)
	pb.TxID = "0xb"
	pb.ConfirmedAt = &confirmedB

	events := []event.Event{
		event.New(t0, event.RequestedPayload{DocumentID: "doc-1"}),
		event.New(t0.Add(time.Minute), event.TSAConfirmedPayload{WitnessHash: "sha256:w1", Token: "t1"}),
		event.New(t0.Add(2*time.Minute), event.TSAConfirmedPayload{WitnessHash: "sha256:w2", Token: "t2"}),
		event.New(t0.Add(3*time.Minute), pa),
		event.New(t0.Add(4*time.Minute), pb),
	}

	// Last-by-append-order, not last-by-timestamp.
	tsa, ok := LastTSAConfirmed(events)
	require.True(t, ok)
	assert.Equal(t, "sha256:w2", tsa.WitnessHash)

	anchors := ConfirmedAnchors(events)
	require.Contains(t, anchors, event.NetworkPolygon)
	assert.Equal(t, "0xb", anchors[event.NetworkPolygon].TxID)

	_, ok = FinalizedArtifact(events)
	assert.False(t, ok)

	counts := CountByKind(events)
	assert.Equal(t, 2, counts[event.KindTSAConfirmed])
	assert.Equal(t, 2, counts[event.KindAnchorConfirmed])
	assert.Equal(t, 1, counts[event.KindProtectionRequested])
}
