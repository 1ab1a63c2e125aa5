package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"guardian/internal/domain"
	"guardian/internal/store"
)

// ErrTransient marks a ledger operation that failed after exhausting its
// retry budget. Callers distinguish it from permanent errors such as an
// invalid envelope.
var ErrTransient = errors.New("transient ledger failure")

var (
	submitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_ledger_submit_total",
		Help: "Chunks committed to the consensus service.",
	})
	submitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_ledger_submit_retries_total",
		Help: "Chunk submissions retried after a transient failure.",
	})
	fetchPages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_ledger_fetch_pages_total",
		Help: "Topic pages fetched from the consensus service.",
	})
)

// RetryPolicy bounds how often a ledger call is reattempted.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// Do runs op until it succeeds or the attempt budget is spent. The last
// error is wrapped with ErrTransient so errors.Is works.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			submitRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
		if last = op(); last == nil {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrTransient, attempts, last)
}

// Entry is one logical message read back from a topic. Envelope is nil when
// the record could not be decoded; the ledger coordinates are still reported
// so replay position is preserved.
type Entry struct {
	MessageID      string
	TopicID        string
	SequenceNumber int64
	Envelope       *Envelope
}

// Gateway is the single road between the engine and the consensus service.
// It owns chunking, compression, retry and the per-topic replay cache.
type Gateway struct {
	Consensus Consensus
	Store     store.Store
	Codec     Codec
	Retry     RetryPolicy
	SyncScope string
	Log       zerolog.Logger
}

// NewGateway wires a gateway over the given consensus service.
func NewGateway(c Consensus, s store.Store, codec Codec, retry RetryPolicy, syncScope string, log zerolog.Logger) *Gateway {
	return &Gateway{
		Consensus: c,
		Store:     s,
		Codec:     codec,
		Retry:     retry,
		SyncScope: syncScope,
		Log:       log.With().Str("component", "ledger").Logger(),
	}
}

// CreateTopic allocates a topic with retry.
func (g *Gateway) CreateTopic(ctx context.Context, memo string) (string, error) {
	var id string
	err := g.Retry.Do(ctx, func() error {
		var err error
		id, err = g.Consensus.CreateTopic(ctx, memo)
		return err
	})
	return id, err
}

// Submit encodes the envelope, splits it into chunks and appends them to the
// topic. Each chunk is retried independently and never resubmitted once
// acknowledged, so a transient failure mid-message cannot duplicate earlier
// chunks. On success the envelope carries its assigned ledger coordinates
// (those of the first chunk) and the message id is returned.
func (g *Gateway) Submit(ctx context.Context, topicID string, env *Envelope) (string, error) {
	body, err := env.Encode()
	if err != nil {
		return "", err
	}
	chunks, err := g.Codec.Split(body)
	if err != nil {
		return "", err
	}

	var first Receipt
	for i, chunk := range chunks {
		chunk := chunk
		var receipt Receipt
		err := g.Retry.Do(ctx, func() error {
			var err error
			receipt, err = g.Consensus.SubmitChunk(ctx, topicID, chunk.Contents, &chunk.Info)
			return err
		})
		if err != nil {
			g.Log.Error().Err(err).
				Str("topic", topicID).
				Int("chunk", chunk.Info.Number).
				Int("total", chunk.Info.Total).
				Msg("chunk submission failed")
			return "", err
		}
		submitTotal.Inc()
		if i == 0 {
			first = receipt
		}
	}

	env.MessageID = first.ConsensusTimestamp
	env.TopicID = topicID
	env.SequenceNumber = first.SequenceNumber
	env.ConsensusTimestamp = first.ConsensusTimestamp
	g.Log.Debug().
		Str("topic", topicID).
		Str("message", env.MessageID).
		Str("type", string(env.Type)).
		Int("chunks", len(chunks)).
		Msg("message submitted")
	return env.MessageID, nil
}

// Sync replays a topic from the cached position and returns the newly
// completed messages in consensus order. The scan stops at the first
// fragment of a chunk set that cannot be completed from the fetched window,
// and the replay cache advances only over fully consumed records: held-back
// fragments stay provisional and are re-read whole on the next sync, even
// across a process restart. Records that complete a set but fail to decode
// are returned with a nil envelope.
func (g *Gateway) Sync(ctx context.Context, topicID string) ([]Entry, error) {
	since := ""
	cache, err := g.Store.GetTopicCache(ctx, g.SyncScope, topicID)
	if err == nil {
		since = cache.LastTimestamp
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var raw []RawMessage
	cursor := ""
	for {
		var page Page
		err := g.Retry.Do(ctx, func() error {
			var err error
			page, err = g.Consensus.Messages(ctx, topicID, since, cursor, 100)
			return err
		})
		if err != nil {
			return nil, err
		}
		fetchPages.Inc()
		raw = append(raw, page.Messages...)
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}
	if len(raw) == 0 {
		return nil, nil
	}

	// Fragment counts within the window decide which chunk sets can be
	// completed on this pass.
	arrived := map[string]int{}
	for _, msg := range raw {
		if msg.ChunkInfo != nil && msg.ChunkInfo.Total > 1 {
			arrived[msg.ChunkInfo.ID]++
		}
	}

	pending := map[string]*assembly{}
	var entries []Entry
	var lastTS string
	var lastSeq int64
	for _, msg := range raw {
		if msg.ChunkInfo != nil && msg.ChunkInfo.Total > 1 && arrived[msg.ChunkInfo.ID] < msg.ChunkInfo.Total {
			g.Log.Debug().
				Str("topic", topicID).
				Str("chunkSet", msg.ChunkInfo.ID).
				Int("have", arrived[msg.ChunkInfo.ID]).
				Int("total", msg.ChunkInfo.Total).
				Msg("incomplete chunk set, holding replay position")
			break
		}
		lastTS = msg.ConsensusTimestamp
		lastSeq = msg.SequenceNumber
		entry, ok := g.collect(pending, msg)
		if ok {
			entries = append(entries, entry)
		}
	}
	if lastTS == "" {
		return nil, nil
	}

	if err := g.Store.SaveTopicCache(ctx, domain.TopicCache{
		SyncScope:     g.SyncScope,
		TopicID:       topicID,
		LastTimestamp: lastTS,
		LastSequence:  lastSeq,
	}); err != nil {
		return nil, err
	}
	return entries, nil
}

// collect folds one raw record into its chunk set and returns the decoded
// entry once the set is complete. Single-fragment records pass straight
// through. The pending map is scoped to one sync pass; the caller only
// feeds in fragments of sets it knows the window completes.
func (g *Gateway) collect(pending map[string]*assembly, msg RawMessage) (Entry, bool) {
	if msg.ChunkInfo == nil || msg.ChunkInfo.Total <= 1 {
		return g.decode(msg, msg.Contents), true
	}
	a, ok := pending[msg.ChunkInfo.ID]
	if !ok {
		a = newAssembly(*msg.ChunkInfo)
		pending[msg.ChunkInfo.ID] = a
	}
	a.add(msg)
	if !a.complete() {
		return Entry{}, false
	}
	delete(pending, msg.ChunkInfo.ID)
	body, err := Join(a.chunks())
	if err != nil {
		g.Log.Warn().Err(err).
			Str("topic", msg.TopicID).
			Str("chunkSet", msg.ChunkInfo.ID).
			Msg("chunk set unreadable, degrading to empty body")
		return Entry{
			MessageID:      a.first.ConsensusTimestamp,
			TopicID:        a.first.TopicID,
			SequenceNumber: a.first.SequenceNumber,
		}, true
	}
	return g.decode(*a.first, body), true
}

func (g *Gateway) decode(msg RawMessage, body []byte) Entry {
	entry := Entry{
		MessageID:      msg.ConsensusTimestamp,
		TopicID:        msg.TopicID,
		SequenceNumber: msg.SequenceNumber,
	}
	env, err := Decode(body)
	if err != nil {
		g.Log.Warn().Err(err).
			Str("topic", msg.TopicID).
			Str("message", msg.ConsensusTimestamp).
			Msg("undecodable message, degrading to empty body")
		return entry
	}
	env.MessageID = msg.ConsensusTimestamp
	env.TopicID = msg.TopicID
	env.SequenceNumber = msg.SequenceNumber
	env.ConsensusTimestamp = msg.ConsensusTimestamp
	entry.Envelope = env
	return entry
}
