// Package microphone provides capture.Microphone adapters: a local recorder
// process emitting raw PCM, and a networked handset streaming PCM frames over UDP.
package microphone
