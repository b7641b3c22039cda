package flow

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aayush-48/MeshPe/internal/domain"
	"github.com/aayush-48/MeshPe/internal/failure"
	"github.com/aayush-48/MeshPe/internal/identity"
	"github.com/aayush-48/MeshPe/internal/transport"
)

type fakeProximity struct {
	supported bool
	err       error
	sent      []transport.EncryptedPayload
}

func (f *fakeProximity) Supported() bool { return f.supported }

func (f *fakeProximity) Send(_ context.Context, p transport.EncryptedPayload) error {
	f.sent = append(f.sent, p)
	return f.err
}

func loggedInController(t *testing.T, fb *fakeBackend, api *transport.API) (*Controller, *identity.MemoryStore) {
	t.Helper()
	fb.handle("/auth/login/start", http.StatusOK, challengeOK("blue sky seven"))
	fb.handle("/auth/login/verify", http.StatusOK, ashaUser)

	store := identity.NewMemoryStore()
	c := NewController(&fakeCapturer{}, api, &fakeProximity{supported: true}, NewSession(store, discardLogger()), testOptions(), discardLogger(), nil)

	ctx := context.Background()
	require.NoError(t, c.Authentication.RequestChallenge(ctx, Claim{UserID: "u1"}))
	require.NoError(t, c.Authentication.CaptureAndVerify(ctx))
	return c, store
}

func TestControllerLogout(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		wantBackendErr bool
	}{
		{"backend accepts", http.StatusOK, false},
		{"backend fails", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb, api := newFakeBackend(t)
			c, store := loggedInController(t, fb, api)
			fb.handle("/auth/logout", tt.status, map[string]any{"success": tt.status == http.StatusOK})
			fb.handle("/payment/initiate", http.StatusOK, simranProposal)
			require.NoError(t, c.Transaction.CaptureCommand(context.Background()))

			err := c.Logout(context.Background())
			if tt.wantBackendErr {
				assert.Equal(t, failure.ServerRejected, failure.KindOf(err))
			} else {
				assert.NoError(t, err)
			}

			_, ok := c.Identity()
			assert.False(t, ok)
			_, err = store.Load(context.Background())
			assert.ErrorIs(t, err, identity.ErrNotFound)

			assert.Equal(t, AuthIdle, c.Authentication.Snapshot().State)
			assert.Equal(t, TxIdle, c.Transaction.Snapshot().State)
			assert.Nil(t, c.Transaction.Snapshot().Intent)
			assert.Equal(t, EnrollmentIdle, c.Enrollment.Snapshot().State)
			assert.Equal(t, 1, fb.count("/auth/logout"))
		})
	}
}

func TestControllerLogoutSurvivesCancelledRequest(t *testing.T) {
	ctx := context.Background()
	fb, api := newFakeBackend(t)
	fb.handle("/auth/login/start", http.StatusOK, challengeOK("blue sky seven"))
	fb.handle("/auth/login/verify", http.StatusOK, ashaUser)
	fb.handle("/auth/logout", http.StatusOK, map[string]any{"success": true})

	path := filepath.Join(t.TempDir(), "meshpe.db")
	store, err := identity.OpenSQLite(ctx, path)
	require.NoError(t, err)

	c := NewController(&fakeCapturer{}, api, nil, NewSession(store, discardLogger()), testOptions(), discardLogger(), nil)
	require.NoError(t, c.Authentication.RequestChallenge(ctx, Claim{UserID: "u1"}))
	require.NoError(t, c.Authentication.CaptureAndVerify(ctx))

	saved, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", saved.ID)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = c.Logout(cancelled)
	assert.NotContains(t, errString(err), "clear session identity")

	_, ok := c.Identity()
	assert.False(t, ok)
	require.NoError(t, store.Close())

	// A restart must not bring the logged-out user back
	reopened, err := identity.OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	restarted := NewController(&fakeCapturer{}, api, nil, NewSession(reopened, discardLogger()), testOptions(), discardLogger(), nil)
	_, ok, err = restarted.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionSkipsSupersededSave(t *testing.T) {
	session, store := newSession()
	id := domain.Identity{ID: "u1", Name: "Asha"}

	gen := session.establish(id)
	require.NoError(t, session.end(context.Background()))
	session.persist(context.Background(), gen, id)

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, identity.ErrNotFound)
	_, ok := session.Current()
	assert.False(t, ok)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func TestControllerLogoutRequiresIdentity(t *testing.T) {
	fb, api := newFakeBackend(t)
	session, _ := newSession()
	c := NewController(&fakeCapturer{}, api, nil, session, testOptions(), discardLogger(), nil)

	assert.ErrorIs(t, c.Logout(context.Background()), ErrNotAuthenticated)
	assert.Equal(t, 0, fb.count("/auth/logout"))
}

func TestControllerRestore(t *testing.T) {
	store := identity.NewMemoryStore()
	saved := domain.Identity{ID: "u1", Name: "Asha", Phone: "+911234567890", Language: "hindi"}
	require.NoError(t, store.Save(context.Background(), saved))

	c := NewController(&fakeCapturer{}, nil, nil, NewSession(store, discardLogger()), testOptions(), discardLogger(), nil)

	_, ok := c.Identity()
	require.False(t, ok)

	id, ok, err := c.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, saved, id)

	current, ok := c.Identity()
	require.True(t, ok)
	assert.Equal(t, saved, current)
}

func TestControllerSendProximity(t *testing.T) {
	payload := transport.EncryptedPayload{"ciphertext": "abc", "nonce": "n1"}

	t.Run("requires identity", func(t *testing.T) {
		session, _ := newSession()
		prox := &fakeProximity{supported: true}
		c := NewController(&fakeCapturer{}, nil, prox, session, testOptions(), discardLogger(), nil)

		assert.ErrorIs(t, c.SendProximity(context.Background(), payload), ErrNotAuthenticated)
		assert.Empty(t, prox.sent)
	})

	t.Run("no radio", func(t *testing.T) {
		c := NewController(&fakeCapturer{}, nil, nil, authenticatedSession(t), testOptions(), discardLogger(), nil)

		assert.False(t, c.ProximitySupported())
		err := c.SendProximity(context.Background(), payload)
		assert.Equal(t, failure.ProximityUnavailable, failure.KindOf(err))
		assert.ErrorIs(t, err, transport.ErrRadioUnsupported)
	})

	t.Run("delivers", func(t *testing.T) {
		prox := &fakeProximity{supported: true}
		c := NewController(&fakeCapturer{}, nil, prox, authenticatedSession(t), testOptions(), discardLogger(), nil)

		assert.True(t, c.ProximitySupported())
		require.NoError(t, c.SendProximity(context.Background(), payload))
		require.Len(t, prox.sent, 1)
		assert.Equal(t, payload, prox.sent[0])
	})

	t.Run("send failure surfaces", func(t *testing.T) {
		sendErr := failure.Proximity(transport.StageConnect, errors.New("peer went away"))
		prox := &fakeProximity{supported: true, err: sendErr}
		c := NewController(&fakeCapturer{}, nil, prox, authenticatedSession(t), testOptions(), discardLogger(), nil)

		err := c.SendProximity(context.Background(), payload)
		assert.Same(t, sendErr, err)
	})
}
