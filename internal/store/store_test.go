package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"guardian/internal/db"
	"guardian/internal/domain"
	"guardian/internal/migrate"
	"guardian/internal/store"
)

func newTestStore(t *testing.T) (store.Store, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.Store{DB: conn, Now: func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}}
	return s, context.Background()
}

func seedDocument(t *testing.T, s store.Store, ctx context.Context, id, owner, status, messageID string, relationships []string) domain.Document {
	t.Helper()
	d := domain.Document{
		ID:            id,
		PolicyID:      "pol-1",
		Kind:          domain.DocKindVC,
		Type:          "TestCredential",
		OwnerDID:      owner,
		Status:        status,
		MessageID:     messageID,
		Relationships: relationships,
		Content:       `{"amount":1}`,
		CreatedAt:     "2026-01-01T00:00:00Z",
		UpdatedAt:     "2026-01-01T00:00:00Z",
	}
	if err := s.CreateDocument(ctx, d); err != nil {
		t.Fatalf("create document %s: %v", id, err)
	}
	return d
}

func TestDocumentFilters(t *testing.T) {
	s, ctx := newTestStore(t)
	seedDocument(t, s, ctx, "d1", "did:a", domain.DocStatusIssued, "m1", nil)
	seedDocument(t, s, ctx, "d2", "did:b", domain.DocStatusIssued, "m2", []string{"m1"})
	seedDocument(t, s, ctx, "d3", "did:b", domain.DocStatusRevoked, "m3", []string{"m2", "m1"})

	byOwner, err := s.FindDocuments(ctx, store.Filter{"owner": "did:b"}, store.Options{})
	if err != nil {
		t.Fatalf("find by owner: %v", err)
	}
	if len(byOwner) != 2 {
		t.Fatalf("expected 2 documents for did:b, got %d", len(byOwner))
	}

	byStatus, err := s.FindDocuments(ctx, store.Filter{
		"owner":  "did:b",
		"status": store.InStrings([]string{domain.DocStatusIssued, domain.DocStatusRetired}),
	}, store.Options{})
	if err != nil {
		t.Fatalf("find by status in: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != "d2" {
		t.Fatalf("unexpected status filter result: %+v", byStatus)
	}

	if _, err := s.FindDocuments(ctx, store.Filter{"bogus": 1}, store.Options{}); err == nil {
		t.Fatal("expected error for unknown filter field")
	}
}

func TestRelationshipsInFilter(t *testing.T) {
	s, ctx := newTestStore(t)
	seedDocument(t, s, ctx, "a", "did:a", domain.DocStatusIssued, "mA", nil)
	seedDocument(t, s, ctx, "b", "did:a", domain.DocStatusIssued, "mB", []string{"mA"})
	seedDocument(t, s, ctx, "c", "did:a", domain.DocStatusIssued, "mC", []string{"mB"})

	// $in over the json relationships array: which documents reference mA?
	dependents, err := s.FindDocuments(ctx,
		store.Filter{"relationships": store.InStrings([]string{"mA"})}, store.Options{})
	if err != nil {
		t.Fatalf("find dependents: %v", err)
	}
	if len(dependents) != 1 || dependents[0].ID != "b" {
		t.Fatalf("expected only b to reference mA, got %+v", dependents)
	}

	both, err := s.FindDocuments(ctx,
		store.Filter{"relationships": store.InStrings([]string{"mA", "mB"})}, store.Options{})
	if err != nil {
		t.Fatalf("find dependents of both: %v", err)
	}
	if len(both) != 2 {
		t.Fatalf("expected b and c, got %d documents", len(both))
	}

	none, err := s.FindDocuments(ctx,
		store.Filter{"relationships": store.In{}}, store.Options{})
	if err != nil {
		t.Fatalf("empty in: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("empty $in must match nothing, got %d", len(none))
	}
}

func TestFindOneDocument(t *testing.T) {
	s, ctx := newTestStore(t)
	seedDocument(t, s, ctx, "d1", "did:a", domain.DocStatusIssued, "m1", nil)

	doc, err := s.FindOneDocument(ctx, store.Filter{"message_id": "m1"})
	if err != nil {
		t.Fatalf("find one: %v", err)
	}
	if doc.ID != "d1" {
		t.Fatalf("wrong document: %s", doc.ID)
	}
	if _, err := s.FindOneDocument(ctx, store.Filter{"message_id": "absent"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveDocumentTransitionsStatus(t *testing.T) {
	s, ctx := newTestStore(t)
	d := seedDocument(t, s, ctx, "d1", "did:a", domain.DocStatusPending, "", nil)
	d.Status = domain.DocStatusIssued
	d.MessageID = "m1"
	if err := s.SaveDocument(ctx, d); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.DocStatusIssued || got.MessageID != "m1" {
		t.Fatalf("transition not persisted: %+v", got)
	}

	ghost := d
	ghost.ID = "missing"
	if err := s.SaveDocument(ctx, ghost); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBlockStateUpsertAndIsolation(t *testing.T) {
	s, ctx := newTestStore(t)
	st := domain.BlockState{PolicyID: "pol-1", BlockID: "blk-1", ActorDID: "did:a", Data: `{"awaiting":true}`}
	if err := s.SaveBlockState(ctx, st); err != nil {
		t.Fatalf("save state: %v", err)
	}
	other := domain.BlockState{PolicyID: "pol-1", BlockID: "blk-1", ActorDID: "did:b", Data: `{"awaiting":false}`}
	if err := s.SaveBlockState(ctx, other); err != nil {
		t.Fatalf("save other state: %v", err)
	}

	st.Data = `{"awaiting":false,"doc":"d1"}`
	if err := s.SaveBlockState(ctx, st); err != nil {
		t.Fatalf("upsert state: %v", err)
	}

	got, err := s.GetBlockState(ctx, "pol-1", "blk-1", "did:a")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got.Data != `{"awaiting":false,"doc":"d1"}` {
		t.Fatalf("upsert lost data: %s", got.Data)
	}
	gotOther, err := s.GetBlockState(ctx, "pol-1", "blk-1", "did:b")
	if err != nil {
		t.Fatalf("get other state: %v", err)
	}
	if gotOther.Data != `{"awaiting":false}` {
		t.Fatalf("actor isolation broken: %s", gotOther.Data)
	}

	all, err := s.ListBlockStates(ctx, "pol-1", "blk-1")
	if err != nil {
		t.Fatalf("list states: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 states, got %d", len(all))
	}
}

func TestTopicCacheUpsert(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.GetTopicCache(ctx, "policy", "0.0.100"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	tc := domain.TopicCache{SyncScope: "policy", TopicID: "0.0.100", LastTimestamp: "1700000001.000000000", LastSequence: 1}
	if err := s.SaveTopicCache(ctx, tc); err != nil {
		t.Fatalf("save cache: %v", err)
	}
	tc.LastTimestamp = "1700000009.000000000"
	tc.LastSequence = 9
	if err := s.SaveTopicCache(ctx, tc); err != nil {
		t.Fatalf("upsert cache: %v", err)
	}
	got, err := s.GetTopicCache(ctx, "policy", "0.0.100")
	if err != nil {
		t.Fatalf("get cache: %v", err)
	}
	if got.LastSequence != 9 || got.LastTimestamp != "1700000009.000000000" {
		t.Fatalf("cache not advanced: %+v", got)
	}
}

func TestGroupMembership(t *testing.T) {
	s, ctx := newTestStore(t)
	m := domain.GroupMember{PolicyID: "pol-1", GroupID: "verifiers", ActorDID: "did:a", Role: "verifier"}
	if err := s.UpsertGroupMember(ctx, m); err != nil {
		t.Fatalf("join: %v", err)
	}
	groups, err := s.FindActorGroups(ctx, "pol-1", "did:a")
	if err != nil {
		t.Fatalf("find groups: %v", err)
	}
	if len(groups) != 1 || groups[0].GroupID != "verifiers" {
		t.Fatalf("unexpected memberships: %+v", groups)
	}
	if err := s.RemoveGroupMember(ctx, "pol-1", "verifiers", "did:a"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := s.RemoveGroupMember(ctx, "pol-1", "verifiers", "did:a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
