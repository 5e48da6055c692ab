// Package message persists messages and parts and publishes mutations on
// the bus.
package message

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/internal/storage"
	"github.com/kiln-ai/kiln/pkg/types"
)

// Store reads and writes messages under message/{sessionID}/{messageID} and
// parts under part/{messageID}/{partID}. Every mutation publishes a bus
// event; readers observing the bus see updates in write order.
type Store struct {
	storage *storage.Storage
	bus     *bus.Bus
}

// NewStore creates a message store.
func NewStore(st *storage.Storage, b *bus.Bus) *Store {
	return &Store{storage: st, bus: b}
}

// Get returns a message with its parts.
func (s *Store) Get(ctx context.Context, sessionID, messageID string) (*types.MessageWithParts, error) {
	info, err := s.GetInfo(ctx, sessionID, messageID)
	if err != nil {
		return nil, err
	}
	parts, err := s.Parts(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return &types.MessageWithParts{Info: info, Parts: parts}, nil
}

// GetInfo returns a message without parts.
func (s *Store) GetInfo(ctx context.Context, sessionID, messageID string) (types.Message, error) {
	raw, err := s.storage.GetRaw(ctx, []string{"message", sessionID, messageID})
	if err != nil {
		return nil, err
	}
	return types.UnmarshalMessage(raw)
}

// List returns a session's messages in chronological order, each with its
// parts. A positive limit keeps only the most recent messages.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]types.MessageWithParts, error) {
	var out []types.MessageWithParts
	err := s.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		info, err := types.UnmarshalMessage(data)
		if err != nil {
			return fmt.Errorf("message %s: %w", key, err)
		}
		parts, err := s.Parts(ctx, info.MessageID())
		if err != nil {
			return err
		}
		out = append(out, types.MessageWithParts{Info: info, Parts: parts})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Parts returns a message's parts sorted ascending by ID, which is
// generation order.
func (s *Store) Parts(ctx context.Context, messageID string) ([]types.Part, error) {
	parts := []types.Part{}
	err := s.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return fmt.Errorf("part %s: %w", key, err)
		}
		parts = append(parts, part)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// GetPart returns one part.
func (s *Store) GetPart(ctx context.Context, messageID, partID string) (types.Part, error) {
	raw, err := s.storage.GetRaw(ctx, []string{"part", messageID, partID})
	if err != nil {
		return nil, err
	}
	return types.UnmarshalPart(raw)
}

// UpdateMessage writes a message and publishes message.updated.
func (s *Store) UpdateMessage(ctx context.Context, msg types.Message) error {
	key := []string{"message", msg.MessageSessionID(), msg.MessageID()}
	if err := s.storage.Put(ctx, key, msg); err != nil {
		return err
	}
	s.bus.Publish(bus.MessageUpdated, bus.MessageUpdatedData{Info: msg})
	return nil
}

// UpdatePart writes a part and publishes message.part.updated.
func (s *Store) UpdatePart(ctx context.Context, part types.Part) error {
	return s.UpdatePartDelta(ctx, part, "")
}

// UpdatePartDelta writes a part and publishes message.part.updated carrying
// the streaming delta, if any.
func (s *Store) UpdatePartDelta(ctx context.Context, part types.Part, delta string) error {
	key := []string{"part", part.PartMessageID(), part.PartID()}
	if err := s.storage.Put(ctx, key, part); err != nil {
		return err
	}
	s.bus.Publish(bus.MessagePartUpdated, bus.MessagePartUpdatedData{Part: part, Delta: delta})
	return nil
}

// RemoveMessage deletes a message and all its parts, then publishes
// message.removed.
func (s *Store) RemoveMessage(ctx context.Context, sessionID, messageID string) error {
	if err := s.storage.RemoveAll(ctx, []string{"part", messageID}); err != nil {
		return err
	}
	if err := s.storage.Remove(ctx, []string{"message", sessionID, messageID}); err != nil {
		return err
	}
	s.bus.Publish(bus.MessageRemoved, bus.MessageRemovedData{
		SessionID: sessionID,
		MessageID: messageID,
	})
	return nil
}

// RemovePart deletes one part and publishes message.part.removed.
func (s *Store) RemovePart(ctx context.Context, sessionID, messageID, partID string) error {
	if err := s.storage.Remove(ctx, []string{"part", messageID, partID}); err != nil {
		return err
	}
	s.bus.Publish(bus.MessagePartRemoved, bus.MessagePartRemovedData{
		SessionID: sessionID,
		MessageID: messageID,
		PartID:    partID,
	})
	return nil
}
