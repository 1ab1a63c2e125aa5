package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// compressedPrefix marks a snappy-compressed payload. Envelope bodies are
// JSON and never start with these bytes.
var compressedPrefix = []byte{0x73, 0x6e, 0x70, 0x79} // "snpy"

// ChunkInfo carries the reassembly coordinates of one fragment. Number is
// 1-based; Total is the size of the complete set.
type ChunkInfo struct {
	ID     string `json:"chunkId"`
	Number int    `json:"number"`
	Total  int    `json:"total"`
}

// Chunk is one submittable fragment of an encoded envelope.
type Chunk struct {
	Info     ChunkInfo
	Contents []byte
}

// Codec splits encoded envelopes into consensus-sized chunks and compresses
// payloads above the size limit.
type Codec struct {
	// MaxChunkSize is the largest fragment the consensus service accepts.
	MaxChunkSize int
	// Compress enables snappy compression of oversized payloads before
	// chunking.
	Compress bool
}

// Split prepares the payload for submission. A payload within the size limit
// yields a single chunk; larger payloads are fragmented under a shared chunk
// id. Compression is applied first and only kept when it shrinks the payload.
func (c Codec) Split(payload []byte) ([]Chunk, error) {
	if c.MaxChunkSize <= 0 {
		return nil, fmt.Errorf("codec: max chunk size must be positive")
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("codec: empty payload")
	}
	body := payload
	if c.Compress && len(payload) > c.MaxChunkSize {
		packed := append(append([]byte{}, compressedPrefix...), snappy.Encode(nil, payload)...)
		if len(packed) < len(payload) {
			body = packed
		}
	}

	total := (len(body) + c.MaxChunkSize - 1) / c.MaxChunkSize
	id := uuid.New().String()
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * c.MaxChunkSize
		end := start + c.MaxChunkSize
		if end > len(body) {
			end = len(body)
		}
		chunks = append(chunks, Chunk{
			Info:     ChunkInfo{ID: id, Number: i + 1, Total: total},
			Contents: body[start:end],
		})
	}
	return chunks, nil
}

// Join reassembles a complete chunk set back into the original payload.
// Chunks may arrive in any order; they are sorted by number before
// concatenation. A missing or duplicated chunk is an error, and a payload
// that fails decompression returns nil so the caller can degrade the message
// body instead of propagating garbage.
func Join(chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("codec: no chunks")
	}
	id := chunks[0].Info.ID
	total := chunks[0].Info.Total
	if total != len(chunks) {
		return nil, fmt.Errorf("codec: chunk set %s incomplete: have %d of %d", id, len(chunks), total)
	}
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Info.Number < sorted[j].Info.Number })

	var buf bytes.Buffer
	for i, ch := range sorted {
		if ch.Info.ID != id {
			return nil, fmt.Errorf("codec: chunk set mismatch: %s vs %s", id, ch.Info.ID)
		}
		if ch.Info.Number != i+1 {
			return nil, fmt.Errorf("codec: chunk set %s missing chunk %d", id, i+1)
		}
		buf.Write(ch.Contents)
	}
	body := buf.Bytes()
	if bytes.HasPrefix(body, compressedPrefix) {
		decoded, err := snappy.Decode(nil, body[len(compressedPrefix):])
		if err != nil {
			return nil, fmt.Errorf("codec: decompress chunk set %s: %w", id, err)
		}
		return decoded, nil
	}
	return body, nil
}

// assembly accumulates fragments of one chunk set as they are observed on a
// topic.
type assembly struct {
	id    string
	total int
	parts map[int][]byte
	// first records the ledger coordinates of chunk 1, which identify the
	// logical message.
	first *RawMessage
}

func newAssembly(info ChunkInfo) *assembly {
	return &assembly{id: info.ID, total: info.Total, parts: map[int][]byte{}}
}

func (a *assembly) add(msg RawMessage) {
	info := msg.ChunkInfo
	if info == nil {
		return
	}
	if _, dup := a.parts[info.Number]; dup {
		return
	}
	a.parts[info.Number] = msg.Contents
	if info.Number == 1 {
		m := msg
		a.first = &m
	}
}

func (a *assembly) complete() bool {
	return len(a.parts) == a.total && a.first != nil
}

func (a *assembly) chunks() []Chunk {
	out := make([]Chunk, 0, len(a.parts))
	for n, contents := range a.parts {
		out = append(out, Chunk{
			Info:     ChunkInfo{ID: a.id, Number: n, Total: a.total},
			Contents: contents,
		})
	}
	return out
}
