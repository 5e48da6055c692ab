package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ai/kiln/internal/bus"
	"github.com/kiln-ai/kiln/internal/storage"
)

func newStore(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() { b.Close() })
	return NewStore(storage.New(t.TempDir()), b), b
}

func TestSetGetRemove(t *testing.T) {
	s, b := newStore(t)
	ctx := context.Background()

	var updates []string
	b.Subscribe(bus.AuthUpdated, func(e bus.Event) {
		updates = append(updates, e.Properties.(bus.AuthUpdatedData).ProviderID)
	})

	require.NoError(t, s.Set(ctx, "anthropic", Credential{Type: "api", Key: "sk-test"}))

	cred, ok, err := s.Get(ctx, "anthropic")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sk-test", cred.Key)

	require.NoError(t, s.Remove(ctx, "anthropic"))
	_, ok, err = s.Get(ctx, "anthropic")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"anthropic", "anthropic"}, updates)
}

func TestGetMissing(t *testing.T) {
	s, _ := newStore(t)
	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListProviders(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "anthropic", Credential{Type: "api", Key: "a"}))
	require.NoError(t, s.Set(ctx, "openai", Credential{Type: "api", Key: "b"}))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"anthropic", "openai"}, ids)
}
