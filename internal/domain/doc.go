// Package domain holds the values exchanged between the flow machines, the
// transport layer and the identity store: identities, enrollment profiles,
// login challenges and payment intents.
package domain
