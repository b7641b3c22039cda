// Package protocol implements the binary packet format spoken by networked
// handset microphones: a fixed 8-byte header followed by a hello, audio or bye
// payload. Both parsing and encoding are provided.
package protocol
