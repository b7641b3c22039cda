package flow

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aayush-48/MeshPe/internal/domain"
	"github.com/aayush-48/MeshPe/internal/failure"
)

var ashaProfile = domain.Profile{Name: "Asha", Phone: "+911234567890", Language: "hindi"}

func TestEnrollmentScenario(t *testing.T) {
	fb, api := newFakeBackend(t)
	fb.handle("/auth/signup", http.StatusOK, map[string]any{"success": true, "message": "Signup successful"})

	mic := &fakeCapturer{}
	e := NewEnrollment(mic, api, testOptions(), discardLogger(), nil)
	events := &recorder{}
	e.Subscribe(events.observe)

	ctx := context.Background()
	require.NoError(t, e.Start())
	require.NoError(t, e.SetProfile(ashaProfile))
	for _, i := range []int{3, 1, 2} {
		require.NoError(t, e.RecordSample(ctx, i))
	}
	require.NoError(t, e.Submit(ctx))

	snap := e.Snapshot()
	assert.Equal(t, EnrollmentEnrolled, snap.State)
	assert.Equal(t, "Signup successful", snap.Message)
	assert.Equal(t, []string{"collecting_profile", "collecting_sample", "submitting", "enrolled"}, events.states())

	form := fb.lastForm("/auth/signup")
	assert.Equal(t, "Asha", form["name"])
	assert.Equal(t, "+911234567890", form["phone"])
	assert.Equal(t, "hindi", form["language"])
	assert.Equal(t, "file:sample_1.webm", form["audio_1"])
	assert.Equal(t, "file:sample_2.webm", form["audio_2"])
	assert.Equal(t, "file:sample_3.webm", form["audio_3"])

	for _, d := range mic.calls() {
		assert.Equal(t, 5*time.Second, d)
	}

	// Enrolled is terminal
	assert.ErrorIs(t, e.RecordSample(ctx, 1), ErrInvalidTransition)
	assert.ErrorIs(t, e.Submit(ctx), ErrInvalidTransition)
}

func TestEnrollmentProfileRequired(t *testing.T) {
	tests := []struct {
		name    string
		profile domain.Profile
	}{
		{"missing name", domain.Profile{Phone: "1", Language: "english"}},
		{"missing phone", domain.Profile{Name: "Asha", Phone: "  ", Language: "english"}},
		{"missing language", domain.Profile{Name: "Asha", Phone: "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mic := &fakeCapturer{}
			e := NewEnrollment(mic, nil, testOptions(), discardLogger(), nil)

			assert.ErrorIs(t, e.SetProfile(tt.profile), ErrInvalidInput)
			assert.Equal(t, EnrollmentCollectingProfile, e.Snapshot().State)
			assert.ErrorIs(t, e.RecordSample(context.Background(), 1), ErrInvalidTransition)
			assert.Empty(t, mic.calls())
		})
	}
}

func TestEnrollmentLanguageNormalized(t *testing.T) {
	e := NewEnrollment(&fakeCapturer{}, nil, testOptions(), discardLogger(), nil)
	require.NoError(t, e.SetProfile(domain.Profile{Name: " Asha ", Phone: "1", Language: " HINDI "}))

	p := e.Snapshot().Profile
	assert.Equal(t, "Asha", p.Name)
	assert.Equal(t, "hindi", p.Language)
}

func TestEnrollmentFailedRerecordKeepsSample(t *testing.T) {
	mic := &fakeCapturer{}
	e := NewEnrollment(mic, nil, testOptions(), discardLogger(), nil)
	ctx := context.Background()

	require.NoError(t, e.SetProfile(ashaProfile))
	require.NoError(t, e.RecordSample(ctx, 2))

	mic.fail(failure.New(failure.EmptyRecording, "", nil))
	err := e.RecordSample(ctx, 2)
	assert.Equal(t, failure.EmptyRecording, failure.KindOf(err))

	snap := e.Snapshot()
	assert.Equal(t, EnrollmentCollectingSample, snap.State)
	assert.True(t, snap.Samples[1].Recorded)
	assert.False(t, snap.Samples[0].Recorded)
	assert.Equal(t, "Recorded audio is empty. Please check your microphone.", snap.Error)

	assert.ErrorIs(t, e.Submit(ctx), ErrSamplesIncomplete)
	assert.ErrorIs(t, e.RecordSample(ctx, 0), ErrInvalidInput)
	assert.Error(t, e.RecordSample(ctx, 4))
}

func TestEnrollmentRejectionKeepsSamples(t *testing.T) {
	fb, api := newFakeBackend(t)
	fb.handle("/auth/signup", http.StatusOK, map[string]any{"success": false, "error": "Phone already registered"})

	e := NewEnrollment(&fakeCapturer{}, api, testOptions(), discardLogger(), nil)
	events := &recorder{}
	e.Subscribe(events.observe)
	ctx := context.Background()

	require.NoError(t, e.SetProfile(ashaProfile))
	for i := 1; i <= 3; i++ {
		require.NoError(t, e.RecordSample(ctx, i))
	}

	err := e.Submit(ctx)
	assert.Equal(t, failure.ServerRejected, failure.KindOf(err))

	snap := e.Snapshot()
	assert.Equal(t, EnrollmentCollectingProfile, snap.State)
	assert.Equal(t, "Phone already registered", snap.Error)
	for _, s := range snap.Samples {
		assert.True(t, s.Recorded)
	}
	assert.Contains(t, events.states(), "failed")

	// Correct the profile and resubmit without re-recording
	fb.handle("/auth/signup", http.StatusOK, map[string]any{"success": true})
	require.NoError(t, e.SetProfile(domain.Profile{Name: "Asha", Phone: "+911234567891", Language: "hindi"}))
	require.NoError(t, e.Submit(ctx))
	assert.Equal(t, EnrollmentEnrolled, e.Snapshot().State)
	assert.Equal(t, 2, fb.count("/auth/signup"))
}

func TestEnrollmentConfiguredSampleCount(t *testing.T) {
	fb, api := newFakeBackend(t)
	fb.handle("/auth/signup", http.StatusOK, map[string]any{"success": true})

	opts := testOptions()
	opts.EnrollmentSamples = 2
	e := NewEnrollment(&fakeCapturer{}, api, opts, discardLogger(), nil)
	ctx := context.Background()

	require.NoError(t, e.SetProfile(ashaProfile))
	require.NoError(t, e.RecordSample(ctx, 1))
	require.NoError(t, e.RecordSample(ctx, 2))
	assert.Error(t, e.RecordSample(ctx, 3))
	require.NoError(t, e.Submit(ctx))

	form := fb.lastForm("/auth/signup")
	assert.Contains(t, form, "audio_2")
	assert.NotContains(t, form, "audio_3")
}

func TestEnrollmentBusyWhileRecording(t *testing.T) {
	mic := &fakeCapturer{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	e := NewEnrollment(mic, nil, testOptions(), discardLogger(), nil)
	require.NoError(t, e.SetProfile(ashaProfile))

	done := make(chan error, 1)
	go func() { done <- e.RecordSample(context.Background(), 1) }()
	<-mic.started

	assert.ErrorIs(t, e.RecordSample(context.Background(), 2), ErrBusy)
	assert.ErrorIs(t, e.Submit(context.Background()), ErrBusy)
	assert.Equal(t, 1, e.Snapshot().Recording)

	mic.gate <- struct{}{}
	require.NoError(t, <-done)
	assert.Len(t, mic.calls(), 1)
}

func TestEnrollmentResetDuringCapture(t *testing.T) {
	mic := &fakeCapturer{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	e := NewEnrollment(mic, nil, testOptions(), discardLogger(), nil)
	require.NoError(t, e.SetProfile(ashaProfile))

	done := make(chan error, 1)
	go func() { done <- e.RecordSample(context.Background(), 1) }()
	<-mic.started

	e.Reset()
	mic.gate <- struct{}{}

	assert.ErrorIs(t, <-done, ErrReset)
	snap := e.Snapshot()
	assert.Equal(t, EnrollmentIdle, snap.State)
	assert.False(t, snap.Samples[0].Recorded)
}
