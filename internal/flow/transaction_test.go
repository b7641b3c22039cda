package flow

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aayush-48/MeshPe/internal/domain"
	"github.com/aayush-48/MeshPe/internal/failure"
)

var simranProposal = map[string]any{
	"success": true,
	"data": map[string]any{
		"payment_info": map[string]any{"receiver_name": "Simran", "amount": 100, "currency": "INR"},
		"raw_text":     "pay simran 100 rupees",
	},
}

func reviewTransaction(t *testing.T, fb *fakeBackendHandle) *Transaction {
	t.Helper()
	require.NoError(t, fb.tx.CaptureCommand(context.Background()))
	require.Equal(t, TxReview, fb.tx.Snapshot().State)
	return fb.tx
}

type fakeBackendHandle struct {
	*fakeBackend
	tx      *Transaction
	mic     *fakeCapturer
	session *Session
	events  *recorder
}

func newTransactionFixture(t *testing.T) *fakeBackendHandle {
	t.Helper()
	fb, api := newFakeBackend(t)
	fb.handle("/payment/initiate", http.StatusOK, simranProposal)
	fb.handle("/payment/confirm", http.StatusOK, map[string]any{"success": true})

	mic := &fakeCapturer{}
	session := authenticatedSession(t)
	tx := NewTransaction(mic, api, session, testOptions(), discardLogger(), nil)
	events := &recorder{}
	tx.Subscribe(events.observe)

	return &fakeBackendHandle{fakeBackend: fb, tx: tx, mic: mic, session: session, events: events}
}

func TestTransactionHappyPath(t *testing.T) {
	f := newTransactionFixture(t)
	tx := reviewTransaction(t, f)

	snap := tx.Snapshot()
	require.NotNil(t, snap.Intent)
	assert.Equal(t, "Simran", snap.Intent.ReceiverName)
	assert.Equal(t, "100", snap.Intent.Amount.String())
	assert.Equal(t, "INR", snap.Intent.Currency)
	assert.Equal(t, "pay simran 100 rupees", snap.Intent.RawText)
	assert.Equal(t, domain.IntentProposed, snap.Intent.Status)

	require.NoError(t, tx.Confirm(context.Background()))

	snap = tx.Snapshot()
	assert.Equal(t, TxSettled, snap.State)
	require.NotNil(t, snap.Intent)
	assert.Equal(t, domain.IntentSettled, snap.Intent.Status)

	form := f.lastForm("/payment/confirm")
	assert.Equal(t, "Simran", form["receiver_name"])
	assert.Equal(t, "100", form["amount"])
	assert.Equal(t, "u1", form["user_id"])
	assert.Equal(t, "hindi", form["language"])

	assert.Equal(t, []time.Duration{10 * time.Second, 3 * time.Second}, f.mic.calls())

	// Auto-dismiss clears the intent without another backend call
	require.Eventually(t, func() bool {
		return tx.Snapshot().State == TxIdle
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, tx.Snapshot().Intent)
	assert.Equal(t, 1, f.count("/payment/initiate"))
	assert.Equal(t, 1, f.count("/payment/confirm"))

	assert.Equal(t, []string{
		"capturing_command", "processing_command", "review",
		"capturing_confirmation", "confirming", "settled", "idle",
	}, f.events.states())
}

func TestTransactionConfirmationRejected(t *testing.T) {
	f := newTransactionFixture(t)
	f.handle("/payment/confirm", http.StatusOK, map[string]any{"success": false, "error": "Liveness check failed"})
	tx := reviewTransaction(t, f)
	before := tx.Snapshot().Intent

	err := tx.Confirm(context.Background())
	assert.Equal(t, failure.ServerRejected, failure.KindOf(err))

	snap := tx.Snapshot()
	assert.Equal(t, TxReview, snap.State)
	assert.Equal(t, "Liveness check failed", snap.Error)
	require.NotNil(t, snap.Intent)
	assert.Equal(t, *before, *snap.Intent)

	current, ok := f.session.Current()
	require.True(t, ok)
	assert.Equal(t, "u1", current.ID)

	// Retry confirmation without repeating the command
	f.handle("/payment/confirm", http.StatusOK, map[string]any{"success": true})
	require.NoError(t, tx.Confirm(context.Background()))
	assert.Equal(t, TxSettled, tx.Snapshot().State)
	assert.Equal(t, 1, f.count("/payment/initiate"))
	assert.Equal(t, "100", f.lastForm("/payment/confirm")["amount"])
}

func TestTransactionConfirmationCaptureFailure(t *testing.T) {
	f := newTransactionFixture(t)
	tx := reviewTransaction(t, f)
	before := tx.Snapshot().Intent

	f.mic.fail(failure.New(failure.EmptyRecording, "", nil))
	err := tx.Confirm(context.Background())
	assert.Equal(t, failure.EmptyRecording, failure.KindOf(err))

	snap := tx.Snapshot()
	assert.Equal(t, TxReview, snap.State)
	assert.Equal(t, *before, *snap.Intent)
	assert.Equal(t, 0, f.count("/payment/confirm"))
}

func TestTransactionCommandFailureReturnsToIdle(t *testing.T) {
	tests := []struct {
		name       string
		captureErr error
		status     int
		body       map[string]any
	}{
		{
			name:       "capture failed",
			captureErr: failure.New(failure.DeviceError, "", nil),
		},
		{
			name:   "unparsable command",
			status: http.StatusOK,
			body:   map[string]any{"success": false, "error": "Could not parse payment command. Heard: 'hello'"},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTransactionFixture(t)
			if tt.captureErr != nil {
				f.mic.fail(tt.captureErr)
			} else {
				f.handle("/payment/initiate", tt.status, tt.body)
			}

			err := f.tx.CaptureCommand(context.Background())
			require.Error(t, err)

			snap := f.tx.Snapshot()
			assert.Equal(t, TxIdle, snap.State)
			assert.Nil(t, snap.Intent)
			assert.NotEmpty(t, snap.Error)
		})
	}
}

func TestTransactionCancelClearsIntent(t *testing.T) {
	f := newTransactionFixture(t)
	tx := reviewTransaction(t, f)

	require.NoError(t, tx.Cancel())
	snap := tx.Snapshot()
	assert.Equal(t, TxIdle, snap.State)
	assert.Nil(t, snap.Intent)

	assert.ErrorIs(t, tx.Confirm(context.Background()), ErrInvalidTransition)
	assert.ErrorIs(t, tx.Cancel(), ErrInvalidTransition)
	assert.Equal(t, 0, f.count("/payment/confirm"))
}

func TestTransactionRequiresIdentity(t *testing.T) {
	session, _ := newSession()
	tx := NewTransaction(&fakeCapturer{}, nil, session, testOptions(), discardLogger(), nil)

	assert.ErrorIs(t, tx.CaptureCommand(context.Background()), ErrNotAuthenticated)
	assert.Equal(t, TxIdle, tx.Snapshot().State)
}

func TestTransactionRejectsConcurrentCapture(t *testing.T) {
	f := newTransactionFixture(t)
	f.mic.gate = make(chan struct{})
	f.mic.started = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- f.tx.CaptureCommand(context.Background()) }()
	<-f.mic.started

	assert.ErrorIs(t, f.tx.CaptureCommand(context.Background()), ErrBusy)
	assert.ErrorIs(t, f.tx.Cancel(), ErrBusy)
	assert.Equal(t, TxCapturingCommand, f.tx.Snapshot().State)

	f.mic.gate <- struct{}{}
	require.NoError(t, <-done)
	assert.Len(t, f.mic.calls(), 1)
}

func TestTransactionResetStopsAutoDismiss(t *testing.T) {
	f := newTransactionFixture(t)
	tx := reviewTransaction(t, f)
	require.NoError(t, tx.Confirm(context.Background()))

	tx.Reset()
	assert.Equal(t, TxIdle, tx.Snapshot().State)

	// A new command started before the old dismissal fires is not cleared by it
	require.NoError(t, tx.CaptureCommand(context.Background()))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, TxReview, tx.Snapshot().State)
	assert.NotNil(t, tx.Snapshot().Intent)
}

func TestTransactionEventsOrderedBySeq(t *testing.T) {
	fb, api := newFakeBackend(t)
	fb.handle("/payment/initiate", http.StatusOK, simranProposal)
	fb.handle("/payment/confirm", http.StatusOK, map[string]any{"success": true})

	opts := testOptions()
	opts.SettledDisplay = time.Hour

	for i := 0; i < 20; i++ {
		tx := NewTransaction(&fakeCapturer{}, api, authenticatedSession(t), opts, discardLogger(), nil)
		rec := &recorder{}
		tx.Subscribe(rec.observe)

		require.NoError(t, tx.CaptureCommand(context.Background()))
		require.NoError(t, tx.Confirm(context.Background()))

		tx.mu.Lock()
		epoch := tx.epoch
		tx.mu.Unlock()

		// Race the settled dismissal against a Reset
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); tx.dismiss(epoch) }()
		go func() { defer wg.Done(); tx.Reset() }()
		wg.Wait()

		rec.mu.Lock()
		events := append([]Event(nil), rec.events...)
		rec.mu.Unlock()

		sort.Slice(events, func(a, b int) bool { return events[a].Seq < events[b].Seq })
		for j, ev := range events {
			assert.Equal(t, uint64(j+1), ev.Seq)
			if j > 0 {
				assert.Equal(t, events[j-1].To, ev.From, "event %d", ev.Seq)
			}
		}
		assert.Equal(t, "idle", events[len(events)-1].To)
	}
}
