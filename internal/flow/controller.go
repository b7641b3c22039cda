package flow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aayush-48/MeshPe/internal/capture"
	"github.com/aayush-48/MeshPe/internal/domain"
	"github.com/aayush-48/MeshPe/internal/failure"
	"github.com/aayush-48/MeshPe/internal/metrics"
	"github.com/aayush-48/MeshPe/internal/transport"
)

// Backend is the full voice backend contract. *transport.API implements it.
type Backend interface {
	SignupBackend
	AuthBackend
	PaymentBackend
	Logout(ctx context.Context) error
}

// ProximitySender delivers encrypted payloads over the proximity channel.
// *transport.Proximity implements it.
type ProximitySender interface {
	Supported() bool
	Send(ctx context.Context, payload transport.EncryptedPayload) error
}

// ActiveCapture reports the capture session in progress, if any.
// *capture.Recorder implements it.
type ActiveCapture interface {
	Active() (capture.Snapshot, bool)
}

// Controller owns the three flows and the session identity they share
type Controller struct {
	Enrollment     *Enrollment
	Authentication *Authentication
	Transaction    *Transaction

	session   *Session
	backend   Backend
	proximity ProximitySender
	capture   Capturer
	logger    *slog.Logger
}

// NewController wires the flows to one capturer and one backend. All flows
// share the capturer, so at most one capture runs at a time across them.
func NewController(capturer Capturer, backend Backend, proximity ProximitySender, session *Session, opts Options, logger *slog.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		Enrollment:     NewEnrollment(capturer, backend, opts, logger, m),
		Authentication: NewAuthentication(capturer, backend, session, opts, logger, m),
		Transaction:    NewTransaction(capturer, backend, session, opts, logger, m),
		session:        session,
		backend:        backend,
		proximity:      proximity,
		capture:        capturer,
		logger:         logger,
	}
}

// Subscribe registers o with every flow
func (c *Controller) Subscribe(o Observer) {
	c.Enrollment.Subscribe(o)
	c.Authentication.Subscribe(o)
	c.Transaction.Subscribe(o)
}

// Restore loads a previously saved identity
func (c *Controller) Restore(ctx context.Context) (domain.Identity, bool, error) {
	return c.session.Restore(ctx)
}

// Identity returns the authenticated identity
func (c *Controller) Identity() (domain.Identity, bool) {
	return c.session.Current()
}

// ActiveCapture returns the capture in progress when the capturer exposes it
func (c *Controller) ActiveCapture() (capture.Snapshot, bool) {
	if ac, ok := c.capture.(ActiveCapture); ok {
		return ac.Active()
	}
	return capture.Snapshot{}, false
}

// Logout clears the identity, resets every flow, then ends the backend
// session. The local session ends even when ctx is cancelled or the backend
// call fails; the backend error is returned after the reset.
func (c *Controller) Logout(ctx context.Context) error {
	id, ok := c.session.Current()
	if !ok {
		return ErrNotAuthenticated
	}

	clearErr := c.session.end(ctx)

	c.Enrollment.Reset()
	c.Authentication.Reset()
	c.Transaction.Reset()

	backendErr := c.backend.Logout(ctx)
	if backendErr != nil {
		c.logger.Warn("Backend logout failed", slog.String("error", backendErr.Error()))
	}

	c.logger.Info("User logged out", slog.String("user_id", id.ID))
	return errors.Join(backendErr, clearErr)
}

// ProximitySupported reports whether the proximity channel can be used
func (c *Controller) ProximitySupported() bool {
	return c.proximity != nil && c.proximity.Supported()
}

// SendProximity delivers payload to a nearby receiver on behalf of the
// authenticated user
func (c *Controller) SendProximity(ctx context.Context, payload transport.EncryptedPayload) error {
	if _, ok := c.session.Current(); !ok {
		return ErrNotAuthenticated
	}
	if c.proximity == nil {
		return failure.Proximity(transport.StageSupport, transport.ErrRadioUnsupported)
	}
	return c.proximity.Send(ctx, payload)
}
