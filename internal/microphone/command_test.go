package microphone

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aayush-48/MeshPe/internal/capture"
	"github.com/aayush-48/MeshPe/internal/failure"
)

const helperEnv = "MESHPE_HELPER_RECORDER"

// TestHelperRecorder is not a real test: it acts as the recorder process
// when the helper environment variable is set.
func TestHelperRecorder(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}

	if mode == "silent" {
		os.Exit(0)
	}
	os.Stdout.Write(make([]byte, 3200))
	if mode == "exit" {
		os.Exit(0)
	}
	time.Sleep(10 * time.Second)
	os.Exit(0)
}

func helperCommand() []string {
	return []string{os.Args[0], "-test.run=TestHelperRecorder"}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCommandDeviceRecordsPCM(t *testing.T) {
	t.Setenv(helperEnv, "run")

	dev := NewCommandDevice(helperCommand(), 8000, 1, discardLogger())
	opts := capture.DefaultOptions()
	opts.FlushInterval = 20 * time.Millisecond
	opts.FinalizeOverhead = 2 * time.Second
	rec := capture.NewRecorder(dev, opts, discardLogger(), nil)

	artifact, err := rec.Begin(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, "audio/wav", artifact.Encoding)
	assert.Equal(t, "RIFF", string(artifact.Data[0:4]))
	assert.Equal(t, 44+3200, artifact.Len())
	assert.Equal(t, 8000, artifact.SampleRate)
}

func TestCommandDeviceEarlyExitKeepsRecordedAudio(t *testing.T) {
	t.Setenv(helperEnv, "exit")

	dev := NewCommandDevice(helperCommand(), 8000, 1, discardLogger())
	opts := capture.DefaultOptions()
	opts.FlushInterval = 20 * time.Millisecond
	opts.FinalizeOverhead = 2 * time.Second
	rec := capture.NewRecorder(dev, opts, discardLogger(), nil)

	start := time.Now()
	artifact, err := rec.Begin(context.Background(), 5*time.Second)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, 44+3200, artifact.Len())
}

func TestCommandDeviceSilentExitIsEmpty(t *testing.T) {
	t.Setenv(helperEnv, "silent")

	dev := NewCommandDevice(helperCommand(), 8000, 1, discardLogger())
	opts := capture.DefaultOptions()
	opts.FlushInterval = 20 * time.Millisecond
	opts.FinalizeOverhead = 2 * time.Second
	rec := capture.NewRecorder(dev, opts, discardLogger(), nil)

	_, err := rec.Begin(context.Background(), 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, failure.EmptyRecording, failure.KindOf(err))
}

func TestCommandDeviceMissingBinary(t *testing.T) {
	dev := NewCommandDevice([]string{"meshpe-no-such-recorder"}, 8000, 1, discardLogger())

	_, err := dev.Open(context.Background())
	assert.ErrorIs(t, err, capture.ErrPermissionDenied)

	rec := capture.NewRecorder(dev, capture.DefaultOptions(), discardLogger(), nil)
	_, err = rec.Begin(context.Background(), time.Second)
	assert.Equal(t, failure.PermissionDenied, failure.KindOf(err))
}

func TestCommandDeviceEncoding(t *testing.T) {
	dev := NewCommandDevice(helperCommand(), 8000, 1, discardLogger())

	assert.False(t, dev.Supports("audio/webm;codecs=opus"))
	assert.Equal(t, "audio/wav", dev.DefaultEncoding())
}
