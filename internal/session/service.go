// Package session implements session CRUD, the turn engine and the stream
// processor.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/internal/id"
	"github.com/kiln-ai/kiln/internal/storage"
	"github.com/kiln-ai/kiln/pkg/types"
)

// Service manages session records. Session IDs are descending so a plain
// lexicographic scan lists newest first.
type Service struct {
	storage *storage.Storage
	bus     *bus.Bus
}

// NewService creates a session service.
func NewService(st *storage.Storage, b *bus.Bus) *Service {
	return &Service{storage: st, bus: b}
}

// CreateInput configures a new session.
type CreateInput struct {
	Title      string
	ParentID   string
	Permission []types.PermissionRule
}

// Create persists a new session and publishes session.created.
func (s *Service) Create(ctx context.Context, input CreateInput) (*types.Session, error) {
	now := time.Now().UnixMilli()
	title := input.Title
	if title == "" {
		title = "New Session"
	}

	session := &types.Session{
		ID:         id.Descending(id.Session),
		Title:      title,
		ParentID:   input.ParentID,
		Permission: input.Permission,
		Time:       types.SessionTime{Created: now, Updated: now},
	}

	if err := s.storage.Put(ctx, []string{"session", session.ID}, session); err != nil {
		return nil, err
	}
	s.bus.Publish(bus.SessionCreated, bus.SessionCreatedData{Info: session})
	return session, nil
}

// Get retrieves a session by ID.
func (s *Service) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	var session types.Session
	if err := s.storage.Get(ctx, []string{"session", sessionID}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateInput holds the mutable session fields.
type UpdateInput struct {
	Title *string
}

// Update mutates a session and publishes session.updated.
func (s *Service) Update(ctx context.Context, sessionID string, input UpdateInput) (*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if input.Title != nil {
		session.Title = *input.Title
	}
	session.Time.Updated = time.Now().UnixMilli()

	if err := s.storage.Put(ctx, []string{"session", session.ID}, session); err != nil {
		return nil, err
	}
	s.bus.Publish(bus.SessionUpdated, bus.SessionUpdatedData{Info: session})
	return session, nil
}

// Touch bumps time.updated, used when a turn writes into the session.
func (s *Service) Touch(ctx context.Context, sessionID string) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return
	}
	session.Time.Updated = time.Now().UnixMilli()
	if err := s.storage.Put(ctx, []string{"session", session.ID}, session); err != nil {
		return
	}
	s.bus.Publish(bus.SessionUpdated, bus.SessionUpdatedData{Info: session})
}

// Delete removes a session, cascading to every message, every part of those
// messages, and the session's todo list. Publishes session.deleted.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	// children cascade first
	children, err := s.Children(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.Delete(ctx, child.ID); err != nil {
			return err
		}
	}

	messageIDs, err := s.storage.List(ctx, []string{"message", sessionID})
	if err != nil {
		return err
	}
	for _, messageID := range messageIDs {
		if err := s.storage.RemoveAll(ctx, []string{"part", messageID}); err != nil {
			return err
		}
	}
	if err := s.storage.RemoveAll(ctx, []string{"message", sessionID}); err != nil {
		return err
	}
	if err := s.storage.Remove(ctx, []string{"todo", sessionID}); err != nil {
		return err
	}
	if err := s.storage.Remove(ctx, []string{"session", sessionID}); err != nil {
		return err
	}

	s.bus.Publish(bus.SessionDeleted, bus.SessionDeletedData{Info: session})
	return nil
}

// ListQuery filters session listings.
type ListQuery struct {
	Search string
	Limit  int
	Roots  bool
}

// List returns sessions newest first.
func (s *Service) List(ctx context.Context, query ListQuery) ([]*types.Session, error) {
	sessions := []*types.Session{}
	search := strings.ToLower(query.Search)

	err := s.storage.Scan(ctx, []string{"session"}, func(key string, data json.RawMessage) error {
		if query.Limit > 0 && len(sessions) >= query.Limit {
			return nil
		}
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		if query.Roots && session.ParentID != "" {
			return nil
		}
		if search != "" && !strings.Contains(strings.ToLower(session.Title), search) {
			return nil
		}
		sessions = append(sessions, &session)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Children returns the sessions whose parent is sessionID, newest first.
func (s *Service) Children(ctx context.Context, sessionID string) ([]*types.Session, error) {
	all, err := s.List(ctx, ListQuery{})
	if err != nil {
		return nil, err
	}
	children := []*types.Session{}
	for _, session := range all {
		if session.ParentID == sessionID {
			children = append(children, session)
		}
	}
	return children, nil
}
