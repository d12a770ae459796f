// Package session tracks incremental decoding state for a loaded model.
//
// A Session owns one kv cache and the next absolute position. Each Forward
// call feeds new token ids, builds the causal mask and rotary positions for
// them, and advances the position only when the model accepted the input.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/nnxlm/internal/kvcache"
	"github.com/samcharles93/nnxlm/internal/model"
	"github.com/samcharles93/nnxlm/internal/tensor"
)

var (
	// ErrContextExceeded is returned when a step would pass the session's max context.
	ErrContextExceeded = errors.New("session context length exceeded")
	// ErrNotFound is returned by Manager lookups for unknown ids.
	ErrNotFound = errors.New("session not found")
	// ErrEmptyInput is returned by Forward when no tokens are given.
	ErrEmptyInput = errors.New("no tokens supplied")
)

// Session is safe for concurrent use; calls are serialised.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	model      model.Model
	cache      *kvcache.Cache
	pos        int
	maxContext int
	now        func() time.Time

	// Read without mu so housekeeping never waits behind a running step.
	lastUsed atomic.Int64
	inFlight atomic.Int32
}

// New creates a session over m. maxContext <= 0 falls back to the model's
// max_position_embeddings, and is unbounded when that is unset too.
func New(id string, m model.Model, maxContext int, now time.Time) *Session {
	if maxContext <= 0 {
		maxContext = m.Config().MaxPositions
	}
	s := &Session{
		ID:         id,
		CreatedAt:  now,
		model:      m,
		cache:      m.NewCache(),
		maxContext: maxContext,
		now:        time.Now,
	}
	s.lastUsed.Store(now.UnixNano())
	return s
}

// LastUsed reports when the session last completed a step.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load()).In(s.CreatedAt.Location())
}

// idle reports whether the session has no step in progress and has not been
// used since cutoff.
func (s *Session) idle(cutoff time.Time) bool {
	return s.inFlight.Load() == 0 && s.LastUsed().Before(cutoff)
}

// Result is the output of one Forward call.
type Result struct {
	// Logits is (1, len(tokens), vocab), or (1, 1, vocab) when only the
	// final position was requested.
	Logits   *tensor.Tensor
	Start    int
	Position int
	Elapsed  time.Duration
}

// Forward runs tokens through the model after the cached history.
func (s *Session) Forward(ctx context.Context, tokens []int, allPositions bool) (*Result, error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyInput
	}
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.maxContext > 0 && s.pos+len(tokens) > s.maxContext {
		return nil, fmt.Errorf("%w: %d cached + %d new > %d", ErrContextExceeded, s.pos, len(tokens), s.maxContext)
	}

	start := time.Now()
	logits, err := s.model.Forward(
		[][]int{tokens},
		model.CausalMask(1, len(tokens), s.pos),
		model.SequentialPositions(1, s.pos, len(tokens)),
		s.cache,
	)
	if err != nil {
		return nil, err
	}
	res := &Result{Start: s.pos, Elapsed: time.Since(start)}
	s.pos += len(tokens)
	s.lastUsed.Store(s.now().UnixNano())
	res.Position = s.pos

	if !allPositions {
		vocab := logits.Dim(2)
		last := logits.Data[(len(tokens)-1)*vocab:]
		logits = &tensor.Tensor{Shape: []int{1, 1, vocab}, Data: last}
	}
	res.Logits = logits
	return res, nil
}

// Reset drops the cached history.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = s.model.NewCache()
	s.pos = 0
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID         string    `json:"id"`
	Position   int       `json:"position"`
	MaxContext int       `json:"max_context,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used"`
}

// Info returns the current summary.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.ID,
		Position:   s.pos,
		MaxContext: s.maxContext,
		CreatedAt:  s.CreatedAt,
		LastUsed:   s.LastUsed(),
	}
}
