// Package flow implements the enrollment, authentication and payment
// confirmation state machines.
//
// Each machine serializes its state with a mutex that is never held across a
// capture or a backend call. While a step is suspended the machine sits in a
// busy state and rejects further transitions with ErrBusy. Observers see
// committed transitions only. Reset (driven by Controller.Logout) bumps an
// epoch so a step that resumes afterwards completes with ErrReset and leaves
// no trace.
package flow
