package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// RawMessage is a single consensus record as read from a topic. Ordering is
// by ConsensusTimestamp, with SequenceNumber as the per-topic tiebreaker.
type RawMessage struct {
	TopicID            string
	ConsensusTimestamp string
	SequenceNumber     int64
	Payer              string
	Contents           []byte
	ChunkInfo          *ChunkInfo
}

// Page is one batch of a topic read. A non-empty Next cursor means more
// records follow.
type Page struct {
	Messages []RawMessage
	Next     string
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	TopicID            string
	ConsensusTimestamp string
	SequenceNumber     int64
}

// Consensus abstracts the ordered, append-only message ledger. Both calls are
// expected to fail transiently; the gateway wraps them with retry.
type Consensus interface {
	// SubmitChunk appends one fragment to the topic and returns its assigned
	// ledger coordinates.
	SubmitChunk(ctx context.Context, topicID string, contents []byte, info *ChunkInfo) (Receipt, error)
	// Messages reads a page of records after sinceTimestamp. The cursor
	// continues a previous page; an unknown topic yields an empty page.
	Messages(ctx context.Context, topicID, sinceTimestamp, cursor string, limit int) (Page, error)
	// CreateTopic allocates a fresh topic and returns its id.
	CreateTopic(ctx context.Context, memo string) (string, error)
}

// MemoryConsensus is an in-process Consensus used by tests and the local dry
// run mode. Failures can be injected per call to exercise retry paths.
type MemoryConsensus struct {
	mu     sync.Mutex
	topics map[string][]RawMessage
	nextID int
	clock  int64

	// FailNext makes the next n SubmitChunk calls fail before committing.
	FailNext int
	// Submitted counts committed chunks.
	Submitted int
}

// NewMemoryConsensus returns an empty in-process ledger.
func NewMemoryConsensus() *MemoryConsensus {
	return &MemoryConsensus{topics: map[string][]RawMessage{}}
}

func (m *MemoryConsensus) CreateTopic(ctx context.Context, memo string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("0.0.%d", 1000+m.nextID)
	m.topics[id] = nil
	return id, nil
}

func (m *MemoryConsensus) SubmitChunk(ctx context.Context, topicID string, contents []byte, info *ChunkInfo) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext > 0 {
		m.FailNext--
		return Receipt{}, fmt.Errorf("consensus unavailable")
	}
	m.clock++
	msg := RawMessage{
		TopicID:            topicID,
		ConsensusTimestamp: fmt.Sprintf("%d.%09d", 1700000000+m.clock, 0),
		SequenceNumber:     int64(len(m.topics[topicID]) + 1),
		Contents:           append([]byte{}, contents...),
	}
	if info != nil {
		ci := *info
		msg.ChunkInfo = &ci
	}
	m.topics[topicID] = append(m.topics[topicID], msg)
	m.Submitted++
	return Receipt{
		TopicID:            topicID,
		ConsensusTimestamp: msg.ConsensusTimestamp,
		SequenceNumber:     msg.SequenceNumber,
	}, nil
}

func (m *MemoryConsensus) Messages(ctx context.Context, topicID, sinceTimestamp, cursor string, limit int) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.topics[topicID]
	if !ok {
		return Page{}, nil
	}
	if limit <= 0 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		start = n
	}
	filtered := make([]RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		if sinceTimestamp != "" && msg.ConsensusTimestamp <= sinceTimestamp {
			continue
		}
		filtered = append(filtered, msg)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].ConsensusTimestamp < filtered[j].ConsensusTimestamp
	})
	if start >= len(filtered) {
		return Page{}, nil
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	page := Page{Messages: filtered[start:end]}
	if end < len(filtered) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

// Corrupt replaces the stored contents of the n-th message on a topic,
// simulating a damaged record for degradation tests.
func (m *MemoryConsensus) Corrupt(topicID string, index int, contents []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.topics[topicID]
	if index < 0 || index >= len(msgs) {
		return
	}
	msgs[index].Contents = append([]byte{}, contents...)
}
