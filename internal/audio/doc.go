// Package audio handles PCM buffering and container encoding for captured speech.
// It reorders sequenced frames from networked handsets and wraps raw PCM-16 into
// WAV artifacts the voice backend accepts.
package audio
