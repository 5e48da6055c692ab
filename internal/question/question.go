// Package question lets tools pose multiple-choice prompts to the operator
// and block until answered.
package question

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/internal/id"
)

// Option is one selectable choice.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Info is a single question within a request.
type Info struct {
	Question string   `json:"question"`
	Options  []Option `json:"options,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
	Custom   bool     `json:"custom,omitempty"`
}

// Request is a pending batch of questions for one tool call. Answers come
// back as one string slice per question, in order.
type Request struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Questions []Info `json:"questions"`
	Tool      string `json:"tool,omitempty"`
	Time      int64  `json:"time"`
}

// RejectedError is returned when the operator dismisses the questions.
type RejectedError struct {
	SessionID string `json:"sessionID"`
}

func (e *RejectedError) Error() string {
	return "question rejected by user"
}

type pending struct {
	request Request
	done    chan result
}

type result struct {
	answers [][]string
	err     error
}

// Service tracks pending question requests in memory.
type Service struct {
	mu      sync.Mutex
	bus     *bus.Bus
	pending map[string]*pending
}

// NewService creates a question service publishing on b.
func NewService(b *bus.Bus) *Service {
	return &Service{
		bus:     b,
		pending: make(map[string]*pending),
	}
}

// Ask publishes the questions and blocks until the operator replies or the
// context is cancelled.
func (s *Service) Ask(ctx context.Context, sessionID, tool string, questions []Info) ([][]string, error) {
	req := Request{
		ID:        id.Ascending(id.Question),
		SessionID: sessionID,
		Questions: questions,
		Tool:      tool,
		Time:      time.Now().UnixMilli(),
	}
	p := &pending{request: req, done: make(chan result, 1)}

	s.mu.Lock()
	s.pending[req.ID] = p
	s.mu.Unlock()

	s.bus.Publish(bus.QuestionAsked, bus.QuestionAskedData{
		ID:        req.ID,
		SessionID: req.SessionID,
	})

	select {
	case r := <-p.done:
		return r.answers, r.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Reply resolves a pending request with one answer slice per question.
func (s *Service) Reply(requestID string, answers [][]string) error {
	p, err := s.take(requestID)
	if err != nil {
		return err
	}
	p.done <- result{answers: answers}
	s.bus.Publish(bus.QuestionAnswered, bus.QuestionAnsweredData{
		ID:        requestID,
		SessionID: p.request.SessionID,
		Answers:   answers,
	})
	return nil
}

// Reject dismisses a pending request; the waiting tool gets RejectedError.
func (s *Service) Reject(requestID string) error {
	p, err := s.take(requestID)
	if err != nil {
		return err
	}
	p.done <- result{err: &RejectedError{SessionID: p.request.SessionID}}
	s.bus.Publish(bus.QuestionAnswered, bus.QuestionAnsweredData{
		ID:        requestID,
		SessionID: p.request.SessionID,
		Rejected:  true,
	})
	return nil
}

func (s *Service) take(requestID string) (*pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[requestID]
	if !ok {
		return nil, fmt.Errorf("no pending question request %q", requestID)
	}
	delete(s.pending, requestID)
	return p, nil
}

// List returns the pending requests, oldest first.
func (s *Service) List() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.request)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
