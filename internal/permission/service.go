package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/internal/id"
	"github.com/kiln-ai/kiln/pkg/types"
)

// AskInput describes one permission check: a permission name plus the
// concrete patterns the tool call touches. Ruleset is the session- and
// agent-level rules in precedence order. Always lists the patterns an
// "always" reply persists as allow rules.
type AskInput struct {
	SessionID  string
	Permission string
	Patterns   []string
	Always     []string
	Metadata   map[string]any
	Tool       string
	Ruleset    []types.PermissionRule

	// NoCascade exempts this request from peer rejection cascade.
	NoCascade bool
}

type pending struct {
	request   Request
	ruleset   []types.PermissionRule
	remaining []string
	noCascade bool
	done      chan error
}

// Service arbitrates permission requests. Evaluation consults the caller's
// ruleset first, then rules approved via "always" replies during this
// process lifetime.
type Service struct {
	mu       sync.Mutex
	bus      *bus.Bus
	approved []types.PermissionRule
	pending  map[string]*pending
}

// NewService creates a permission service publishing on b.
func NewService(b *bus.Bus) *Service {
	return &Service{
		bus:     b,
		pending: make(map[string]*pending),
	}
}

// Ask evaluates each pattern in order. Deny rules fail immediately with
// DeniedError; allow rules pass silently; anything else blocks on an operator
// reply. Cancelling ctx withdraws the outstanding request.
func (s *Service) Ask(ctx context.Context, input AskInput) error {
	patterns := input.Patterns
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}

	for i := 0; i < len(patterns); i++ {
		pattern := patterns[i]

		s.mu.Lock()
		rules := append(append([]types.PermissionRule{}, input.Ruleset...), s.approved...)
		s.mu.Unlock()

		action, matched := Evaluate(rules, input.Permission, pattern)
		switch action {
		case types.ActionDeny:
			return &DeniedError{Permission: input.Permission, Pattern: pattern, Rules: matched}
		case types.ActionAllow:
			continue
		}

		if err := s.askOne(ctx, input, patterns[i:]); err != nil {
			return err
		}
	}
	return nil
}

// askOne blocks on a single operator decision for remaining[0]. The full
// remaining slice rides along so an "always" reply elsewhere can re-evaluate
// and auto-resolve this request.
func (s *Service) askOne(ctx context.Context, input AskInput, remaining []string) error {
	req := Request{
		ID:         id.Ascending(id.Permission),
		SessionID:  input.SessionID,
		Permission: input.Permission,
		Patterns:   remaining,
		Always:     input.Always,
		Metadata:   input.Metadata,
		Tool:       input.Tool,
		Time:       time.Now().UnixMilli(),
	}

	p := &pending{
		request:   req,
		ruleset:   input.Ruleset,
		remaining: remaining,
		noCascade: input.NoCascade,
		done:      make(chan error, 1),
	}

	s.mu.Lock()
	s.pending[req.ID] = p
	s.mu.Unlock()

	s.bus.Publish(bus.PermissionAsked, bus.PermissionAskedData{
		ID:         req.ID,
		SessionID:  req.SessionID,
		Permission: req.Permission,
		Patterns:   req.Patterns,
		Tool:       req.Tool,
		Metadata:   req.Metadata,
	})

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Reply resolves a pending request. "once" unblocks it; "always" additionally
// persists allow rules for the request's Always patterns and auto-resolves
// any same-session requests those rules now cover; "reject" fails it and
// cascades rejection to the session's other pending requests. A non-empty
// message turns a rejection into guidance for the model.
func (s *Service) Reply(requestID string, reply ReplyKind, message string) error {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no pending permission request %q", requestID)
	}
	delete(s.pending, requestID)

	var resolved []*pending
	var cascaded []*pending

	switch reply {
	case ReplyOnce:
		p.done <- nil
	case ReplyAlways:
		for _, pattern := range p.request.Always {
			s.approved = append(s.approved, types.PermissionRule{
				Permission: p.request.Permission,
				Pattern:    pattern,
				Action:     types.ActionAllow,
			})
		}
		p.done <- nil
		resolved = s.resolveCoveredLocked(p.request.SessionID)
	case ReplyReject:
		if message != "" {
			p.done <- &CorrectedError{Message: message}
		} else {
			p.done <- &RejectedError{SessionID: p.request.SessionID}
		}
		for peerID, peer := range s.pending {
			if peer.request.SessionID != p.request.SessionID || peer.noCascade {
				continue
			}
			delete(s.pending, peerID)
			peer.done <- &RejectedError{SessionID: peer.request.SessionID}
			cascaded = append(cascaded, peer)
		}
	default:
		s.pending[requestID] = p
		s.mu.Unlock()
		return fmt.Errorf("unknown permission reply %q", reply)
	}
	s.mu.Unlock()

	s.bus.Publish(bus.PermissionReplied, bus.PermissionRepliedData{
		ID:        requestID,
		SessionID: p.request.SessionID,
		Reply:     string(reply),
	})
	for _, peer := range resolved {
		s.bus.Publish(bus.PermissionReplied, bus.PermissionRepliedData{
			ID:        peer.request.ID,
			SessionID: peer.request.SessionID,
			Reply:     string(ReplyAlways),
		})
	}
	for _, peer := range cascaded {
		s.bus.Publish(bus.PermissionReplied, bus.PermissionRepliedData{
			ID:        peer.request.ID,
			SessionID: peer.request.SessionID,
			Reply:     string(ReplyReject),
		})
	}
	return nil
}

// resolveCoveredLocked unblocks same-session pending requests whose every
// remaining pattern now evaluates to allow. Caller holds s.mu.
func (s *Service) resolveCoveredLocked(sessionID string) []*pending {
	var resolved []*pending
	for peerID, peer := range s.pending {
		if peer.request.SessionID != sessionID {
			continue
		}
		covered := true
		rules := append(append([]types.PermissionRule{}, peer.ruleset...), s.approved...)
		for _, pattern := range peer.remaining {
			if action, _ := Evaluate(rules, peer.request.Permission, pattern); action != types.ActionAllow {
				covered = false
				break
			}
		}
		if covered {
			delete(s.pending, peerID)
			peer.done <- nil
			resolved = append(resolved, peer)
		}
	}
	return resolved
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

// Approved returns a snapshot of rules accumulated from "always" replies.
func (s *Service) Approved() []types.PermissionRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.PermissionRule{}, s.approved...)
}

// Withdraw drops any pending requests for a session without resolving them,
// used when a session is deleted out from under its waiters.
func (s *Service) Withdraw(sessionID string) {
	s.mu.Lock()
	var withdrawn []*pending
	for peerID, peer := range s.pending {
		if peer.request.SessionID != sessionID {
			continue
		}
		delete(s.pending, peerID)
		peer.done <- &RejectedError{SessionID: sessionID}
		withdrawn = append(withdrawn, peer)
	}
	s.mu.Unlock()

	if len(withdrawn) > 0 {
		log.Debug().Str("sessionID", sessionID).Int("count", len(withdrawn)).Msg("withdrew pending permission requests")
	}
	for _, peer := range withdrawn {
		s.bus.Publish(bus.PermissionReplied, bus.PermissionRepliedData{
			ID:        peer.request.ID,
			SessionID: peer.request.SessionID,
			Reply:     string(ReplyReject),
		})
	}
}
