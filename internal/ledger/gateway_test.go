package ledger_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"guardian/internal/db"
	"guardian/internal/ledger"
	"guardian/internal/migrate"
	"guardian/internal/store"
)

type gatewayEnv struct {
	Gateway   *ledger.Gateway
	Consensus *ledger.MemoryConsensus
	Store     store.Store
	Ctx       context.Context
}

func newGatewayEnv(t *testing.T, codec ledger.Codec, retry ledger.RetryPolicy) gatewayEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	consensus := ledger.NewMemoryConsensus()
	s := store.Store{DB: conn}
	gw := ledger.NewGateway(consensus, s, codec, retry, "policy", zerolog.Nop())
	return gatewayEnv{Gateway: gw, Consensus: consensus, Store: s, Ctx: context.Background()}
}

func issueEnvelope(content string) *ledger.Envelope {
	env := ledger.NewEnvelope(ledger.TypeVCDocument, ledger.ActionCreateVC)
	env.Account = "did:guardian:issuer"
	env.SetDocument([]byte(content))
	return env
}

func TestSubmitRetrySucceedsOnce(t *testing.T) {
	env := newGatewayEnv(t,
		ledger.Codec{MaxChunkSize: 1024},
		ledger.RetryPolicy{Attempts: 5, Delay: time.Millisecond})
	topic, err := env.Gateway.CreateTopic(env.Ctx, "test")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}

	// Fail 4 of 5 attempts; the call succeeds and commits exactly one write.
	env.Consensus.FailNext = 4
	msgID, err := env.Gateway.Submit(env.Ctx, topic, issueEnvelope(`{"amount":5}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msgID == "" {
		t.Fatal("expected a message id")
	}
	if env.Consensus.Submitted != 1 {
		t.Fatalf("expected exactly 1 committed write, got %d", env.Consensus.Submitted)
	}
}

func TestSubmitExhaustsRetryBudget(t *testing.T) {
	env := newGatewayEnv(t,
		ledger.Codec{MaxChunkSize: 1024},
		ledger.RetryPolicy{Attempts: 3, Delay: time.Millisecond})
	topic, err := env.Gateway.CreateTopic(env.Ctx, "test")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	env.Consensus.FailNext = 3
	_, err = env.Gateway.Submit(env.Ctx, topic, issueEnvelope(`{"amount":5}`))
	if !errors.Is(err, ledger.ErrTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if env.Consensus.Submitted != 0 {
		t.Fatalf("expected no committed writes, got %d", env.Consensus.Submitted)
	}
}

func TestSubmitDoesNotResendAckedChunks(t *testing.T) {
	env := newGatewayEnv(t,
		ledger.Codec{MaxChunkSize: 24},
		ledger.RetryPolicy{Attempts: 3, Delay: time.Millisecond})
	topic, err := env.Gateway.CreateTopic(env.Ctx, "test")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	// Multi-chunk payload; a failure between chunks must retry only the
	// failed chunk, never the already-acknowledged ones.
	body := `{"note":"` + strings.Repeat("x", 200) + `"}`
	before := env.Consensus.Submitted
	msgEnv := issueEnvelope(body)
	encoded, _ := msgEnv.Encode()
	chunks, _ := (ledger.Codec{MaxChunkSize: 24}).Split(encoded)

	env.Consensus.FailNext = 2
	if _, err := env.Gateway.Submit(env.Ctx, topic, msgEnv); err != nil {
		t.Fatalf("submit: %v", err)
	}
	committed := env.Consensus.Submitted - before
	if committed != len(chunks) {
		t.Fatalf("expected %d committed chunks, got %d", len(chunks), committed)
	}
}

func TestSyncReassemblesAndResumes(t *testing.T) {
	env := newGatewayEnv(t,
		ledger.Codec{MaxChunkSize: 32},
		ledger.RetryPolicy{Attempts: 2, Delay: time.Millisecond})
	topic, err := env.Gateway.CreateTopic(env.Ctx, "test")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	big := `{"note":"` + strings.Repeat("y", 150) + `"}`
	first, err := env.Gateway.Submit(env.Ctx, topic, issueEnvelope(big))
	if err != nil {
		t.Fatalf("submit big: %v", err)
	}
	second, err := env.Gateway.Submit(env.Ctx, topic, issueEnvelope(`{"amount":7}`))
	if err != nil {
		t.Fatalf("submit small: %v", err)
	}

	entries, err := env.Gateway.Sync(env.Ctx, topic)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(entries))
	}
	if entries[0].MessageID != first || entries[1].MessageID != second {
		t.Fatalf("wrong replay order: %s, %s", entries[0].MessageID, entries[1].MessageID)
	}
	for _, e := range entries {
		if e.Envelope == nil {
			t.Fatalf("message %s did not decode", e.MessageID)
		}
	}

	// A second sync resumes from the cached position and sees nothing new.
	again, err := env.Gateway.Sync(env.Ctx, topic)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no new messages, got %d", len(again))
	}
}

func TestSyncHoldsCacheAtIncompleteChunkSet(t *testing.T) {
	codec := ledger.Codec{MaxChunkSize: 32}
	env := newGatewayEnv(t, codec,
		ledger.RetryPolicy{Attempts: 2, Delay: time.Millisecond})
	topic, err := env.Gateway.CreateTopic(env.Ctx, "test")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}

	small, err := env.Gateway.Submit(env.Ctx, topic, issueEnvelope(`{"amount":7}`))
	if err != nil {
		t.Fatalf("submit small: %v", err)
	}

	// Fragment a large message by hand and land only its head chunk.
	big := issueEnvelope(`{"note":"` + strings.Repeat("z", 150) + `"}`)
	encoded, err := big.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	chunks, err := codec.Split(encoded)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected a multi-chunk payload, got %d chunks", len(chunks))
	}
	if _, err := env.Consensus.SubmitChunk(env.Ctx, topic, chunks[0].Contents, &chunks[0].Info); err != nil {
		t.Fatalf("submit head chunk: %v", err)
	}

	entries, err := env.Gateway.Sync(env.Ctx, topic)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(entries) != 1 || entries[0].MessageID != small {
		t.Fatalf("expected only the complete message, got %d entries", len(entries))
	}

	// A restart loses any in-process state; only the store and the topic
	// survive. The tail chunk then lands and the message must still come out.
	restarted := ledger.NewGateway(env.Consensus, env.Store, codec,
		ledger.RetryPolicy{Attempts: 2, Delay: time.Millisecond},
		"policy", zerolog.Nop())
	for _, c := range chunks[1:] {
		c := c
		if _, err := env.Consensus.SubmitChunk(env.Ctx, topic, c.Contents, &c.Info); err != nil {
			t.Fatalf("submit tail chunk: %v", err)
		}
	}
	entries, err = restarted.Sync(env.Ctx, topic)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the reassembled message and nothing else, got %d entries", len(entries))
	}
	if entries[0].Envelope == nil {
		t.Fatal("reassembled message did not decode")
	}

	again, err := restarted.Sync(env.Ctx, topic)
	if err != nil {
		t.Fatalf("final sync: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no redelivery, got %d entries", len(again))
	}
}

func TestSyncDegradesCorruptMessage(t *testing.T) {
	env := newGatewayEnv(t,
		ledger.Codec{MaxChunkSize: 1024},
		ledger.RetryPolicy{Attempts: 2, Delay: time.Millisecond})
	topic, err := env.Gateway.CreateTopic(env.Ctx, "test")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if _, err := env.Gateway.Submit(env.Ctx, topic, issueEnvelope(`{"amount":1}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Gateway.Submit(env.Ctx, topic, issueEnvelope(`{"amount":2}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.Consensus.Corrupt(topic, 0, []byte("not json at all"))

	entries, err := env.Gateway.Sync(env.Ctx, topic)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Envelope != nil {
		t.Fatal("corrupt message should degrade to an empty body")
	}
	if entries[1].Envelope == nil {
		t.Fatal("healthy message should still decode")
	}
}

func TestSyncUnknownTopicIsEmpty(t *testing.T) {
	env := newGatewayEnv(t,
		ledger.Codec{MaxChunkSize: 1024},
		ledger.RetryPolicy{Attempts: 2, Delay: time.Millisecond})
	entries, err := env.Gateway.Sync(env.Ctx, "0.0.9999")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty result for unknown topic, got %d", len(entries))
	}
}
