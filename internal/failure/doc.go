// Package failure defines the error taxonomy shared by capture sessions, the
// transport dispatcher and the flow state machines, and maps classified
// failures to user-facing messages.
package failure
