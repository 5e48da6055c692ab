// Package auth stores provider credentials in auth.json under the data
// directory.
package auth

import (
	"context"
	"sync"

	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/internal/storage"
)

// Credential is one provider's stored secret.
type Credential struct {
	Type   string `json:"type"` // "api" | "oauth"
	Key    string `json:"key,omitempty"`
	Access string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`
	Expires int64  `json:"expires,omitempty"`
}

// Store reads and writes auth.json. The file is written 0600 by the
// storage layer.
type Store struct {
	mu      sync.Mutex
	storage *storage.Storage
	bus     *bus.Bus
}

// NewStore creates an auth store.
func NewStore(st *storage.Storage, b *bus.Bus) *Store {
	return &Store{storage: st, bus: b}
}

func (s *Store) load(ctx context.Context) (map[string]Credential, error) {
	all := make(map[string]Credential)
	err := s.storage.Get(ctx, []string{"auth"}, &all)
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}
	return all, nil
}

// Get returns the credential for a provider.
func (s *Store) Get(ctx context.Context, providerID string) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load(ctx)
	if err != nil {
		return Credential{}, false, err
	}
	cred, ok := all[providerID]
	return cred, ok, nil
}

// Set stores a credential and publishes auth.updated.
func (s *Store) Set(ctx context.Context, providerID string, cred Credential) error {
	s.mu.Lock()
	all, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	all[providerID] = cred
	err = s.storage.Put(ctx, []string{"auth"}, all)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.bus.Publish(bus.AuthUpdated, bus.AuthUpdatedData{ProviderID: providerID})
	return nil
}

// Remove deletes a credential and publishes auth.updated. Removing an
// absent provider is not an error.
func (s *Store) Remove(ctx context.Context, providerID string) error {
	s.mu.Lock()
	all, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(all, providerID)
	err = s.storage.Put(ctx, []string{"auth"}, all)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.bus.Publish(bus.AuthUpdated, bus.AuthUpdatedData{ProviderID: providerID})
	return nil
}

// List returns the provider IDs that have stored credentials.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	return ids, nil
}
