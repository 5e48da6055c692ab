package session

import (
	"context"
	"sync"

	"github.com/kiln-ai/kiln/pkg/types"
)

// States is the process-wide map of running turn loops. It enforces the
// at-most-one-loop-per-session guarantee and carries the abort signal and
// the waiters queued behind a running loop.
type States struct {
	mu sync.Mutex
	m  map[string]*runState
}

type runState struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *types.AssistantMessage
	err    error
}

// NewStates creates an empty state map.
func NewStates() *States {
	return &States{m: make(map[string]*runState)}
}

// Acquire attempts to become the loop owner for a session. On success it
// returns the loop's context and a finish func the owner must call exactly
// once; queued waiters receive what finish got. ok is false when a loop is
// already running.
func (s *States) Acquire(parent context.Context, sessionID string) (ctx context.Context, finish func(*types.AssistantMessage, error), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.m[sessionID]; running {
		return nil, nil, false
	}

	runCtx, cancel := context.WithCancel(parent)
	st := &runState{cancel: cancel, done: make(chan struct{})}
	s.m[sessionID] = st

	finish = func(result *types.AssistantMessage, err error) {
		s.mu.Lock()
		st.result = result
		st.err = err
		delete(s.m, sessionID)
		s.mu.Unlock()
		close(st.done)
		cancel()
	}
	return runCtx, finish, true
}

// Wait blocks until the session's running loop finishes, returning its final
// assistant message. running is false when no loop is active.
func (s *States) Wait(ctx context.Context, sessionID string) (result *types.AssistantMessage, err error, running bool) {
	s.mu.Lock()
	st, ok := s.m[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, false
	}

	select {
	case <-st.done:
		return st.result, st.err, true
	case <-ctx.Done():
		return nil, ctx.Err(), true
	}
}

// Abort cancels the session's running loop. Returns false when none is
// running. Aborting session A never touches session B.
func (s *States) Abort(sessionID string) bool {
	s.mu.Lock()
	st, ok := s.m[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	st.cancel()
	return true
}

// Active reports whether a loop is running for the session.
func (s *States) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[sessionID]
	return ok
}
