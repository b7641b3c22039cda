// Package identity persists the authenticated session identity.
//
// A Store holds at most one identity. Save is called once per successful
// authentication and Clear once per logout; Load restores a previous session
// at startup.
package identity
