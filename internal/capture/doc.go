// Package capture runs timed audio capture sessions.
//
// A Recorder owns one Microphone and runs at most one Session at a time. Each
// call to Begin acquires the device, negotiates a container, flushes data on a
// fixed period, stops at the hard duration limit and releases the device before
// returning either an Artifact or a classified *failure.Error.
package capture
