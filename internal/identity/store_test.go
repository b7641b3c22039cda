package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aayush-48/MeshPe/internal/domain"
)

var asha = domain.Identity{ID: "9000000001", Name: "Asha", Phone: "9000000001", Language: "hindi"}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "identity.db"))
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			_, err := s.Load(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Save(ctx, asha))
			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, asha, got)

			replaced := domain.Identity{ID: "u2", Name: "Bob", Phone: "9000000002", Language: "english"}
			require.NoError(t, s.Save(ctx, replaced))
			got, err = s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, replaced, got)

			assert.Error(t, s.Save(ctx, domain.Identity{Name: "nobody"}))

			require.NoError(t, s.Clear(ctx))
			_, err = s.Load(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Clear(ctx))
		})
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "identity.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, asha))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, asha, got)
}
