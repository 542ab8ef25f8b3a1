package unifiedllm

import (
	"context"
	"io"
	"strings"
	"sync"
)

// ChunkType identifies the kind of unit yielded by a Stream.
type ChunkType string

const (
	ChunkText      ChunkType = "text"
	ChunkReasoning ChunkType = "reasoning"
	ChunkUsage     ChunkType = "usage"
)

// Chunk is one unit of a streamed response. Text is set for text and
// reasoning chunks, Usage for usage chunks.
type Chunk struct {
	Type  ChunkType `json:"type"`
	Text  string    `json:"text,omitempty"`
	Usage *Usage    `json:"usage,omitempty"`
}

// TextChunk creates a text Chunk.
func TextChunk(text string) Chunk { return Chunk{Type: ChunkText, Text: text} }

// ReasoningChunk creates a reasoning Chunk.
func ReasoningChunk(text string) Chunk { return Chunk{Type: ChunkReasoning, Text: text} }

// UsageChunk creates a usage Chunk.
func UsageChunk(u Usage) Chunk { return Chunk{Type: ChunkUsage, Usage: &u} }

// Stream is a lazy, finite, non-restartable sequence of chunks with an
// explicit pull cursor. Next returns io.EOF after the last chunk. A Stream
// must not be pulled from two goroutines at once; whoever holds it last
// is responsible for Close.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// FuncStream adapts a pull function and a close function to Stream.
type FuncStream struct {
	next  func(ctx context.Context) (Chunk, error)
	close func() error
	once  sync.Once
	err   error
}

// NewFuncStream creates a Stream from next and an optional close func.
func NewFuncStream(next func(ctx context.Context) (Chunk, error), closeFn func() error) *FuncStream {
	return &FuncStream{next: next, close: closeFn}
}

func (s *FuncStream) Next(ctx context.Context) (Chunk, error) {
	return s.next(ctx)
}

// Close runs the close func at most once.
func (s *FuncStream) Close() error {
	s.once.Do(func() {
		if s.close != nil {
			s.err = s.close()
		}
	})
	return s.err
}

// SliceStream yields a fixed list of chunks, then Err (or io.EOF).
type SliceStream struct {
	mu     sync.Mutex
	chunks []Chunk
	pos    int
	closed bool

	// Err is returned once the chunks are exhausted, instead of io.EOF.
	Err error
}

// NewSliceStream creates a SliceStream over chunks.
func NewSliceStream(chunks ...Chunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

func (s *SliceStream) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, newError(KindAborted, "stream cancelled", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Chunk{}, newError(KindStream, "stream closed", nil)
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.Err != nil {
		return Chunk{}, s.Err
	}
	return Chunk{}, io.EOF
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *SliceStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// PeekStream is a Stream whose first chunk has already been pulled.
type PeekStream struct {
	Stream
	first   Chunk
	err     error
	pending bool
}

// Peek pulls the first chunk of s so request-level failures surface
// before any content is handed to the caller. On failure s is closed and
// the error returned. An empty stream peeks successfully.
func Peek(ctx context.Context, s Stream) (*PeekStream, error) {
	c, err := s.Next(ctx)
	if err != nil && err != io.EOF {
		_ = s.Close()
		return nil, err
	}
	return &PeekStream{Stream: s, first: c, err: err, pending: true}, nil
}

func (p *PeekStream) Next(ctx context.Context) (Chunk, error) {
	if p.pending {
		p.pending = false
		return p.first, p.err
	}
	return p.Stream.Next(ctx)
}

// StreamAccumulator collects chunks into text, reasoning and usage.
type StreamAccumulator struct {
	text      strings.Builder
	reasoning strings.Builder
	usage     Usage
	sawUsage  bool
}

// Process ingests a single chunk.
func (sa *StreamAccumulator) Process(c Chunk) {
	switch c.Type {
	case ChunkText:
		sa.text.WriteString(c.Text)
	case ChunkReasoning:
		sa.reasoning.WriteString(c.Text)
	case ChunkUsage:
		if c.Usage != nil {
			sa.usage = sa.usage.Add(*c.Usage)
			sa.sawUsage = true
		}
	}
}

func (sa *StreamAccumulator) Text() string      { return sa.text.String() }
func (sa *StreamAccumulator) Reasoning() string { return sa.reasoning.String() }

// Usage returns the summed usage and whether any usage chunk was seen.
func (sa *StreamAccumulator) Usage() (Usage, bool) { return sa.usage, sa.sawUsage }
