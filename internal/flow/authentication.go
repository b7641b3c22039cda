package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aayush-48/MeshPe/internal/capture"
	"github.com/aayush-48/MeshPe/internal/domain"
	"github.com/aayush-48/MeshPe/internal/failure"
	"github.com/aayush-48/MeshPe/internal/metrics"
)

// AuthState is a state of the authentication flow
type AuthState string

const (
	AuthIdle               AuthState = "idle"
	AuthChallengeRequested AuthState = "challenge_requested"
	AuthCapturing          AuthState = "capturing"
	AuthVerifying          AuthState = "verifying"
	AuthAuthenticated      AuthState = "authenticated"
	AuthFailed             AuthState = "failed"
)

func (s AuthState) String() string { return string(s) }

// AuthBackend issues and verifies spoken challenges
type AuthBackend interface {
	LoginStart(ctx context.Context, userID string) (domain.Challenge, error)
	LoginVerify(ctx context.Context, userID, language string, artifact *capture.Artifact) (domain.Identity, error)
}

// Claim is the identity a user claims before proving it by voice
type Claim struct {
	UserID   string `json:"user_id"`
	Language string `json:"language"`
}

// AuthSnapshot is the observable state of the authentication flow.
// ChallengeReady is set in ChallengeRequested once a phrase is available.
type AuthSnapshot struct {
	State          AuthState        `json:"state"`
	ChallengeReady bool             `json:"challenge_ready"`
	Challenge      string           `json:"challenge,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	Language       string           `json:"language,omitempty"`
	Identity       *domain.Identity `json:"identity,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// Authentication proves a claimed identity by a spoken challenge. A challenge
// is consumed by the verification attempt that uses it; after a rejected
// verification a new challenge must be requested.
type Authentication struct {
	capturer Capturer
	backend  AuthBackend
	session  *Session
	opts     Options
	logger   *slog.Logger
	events   *emitter

	mu          sync.Mutex
	state       AuthState
	epoch       uint64
	claim       Claim
	challenge   *domain.Challenge
	requesting  bool
	invalidated bool
	identity    *domain.Identity
	lastErr     error
}

// NewAuthentication creates an authentication flow in Idle
func NewAuthentication(capturer Capturer, backend AuthBackend, session *Session, opts Options, logger *slog.Logger, m *metrics.Metrics) *Authentication {
	return &Authentication{
		capturer: capturer,
		backend:  backend,
		session:  session,
		opts:     opts,
		logger:   logger,
		events:   newEmitter("authentication", logger, m),
		state:    AuthIdle,
	}
}

// Subscribe registers an observer of committed transitions
func (a *Authentication) Subscribe(o Observer) {
	a.events.subscribe(o)
}

// Snapshot returns the current state
func (a *Authentication) Snapshot() AuthSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Authentication) snapshotLocked() AuthSnapshot {
	snap := AuthSnapshot{
		State:    a.state,
		UserID:   a.claim.UserID,
		Language: a.claim.Language,
		Error:    errorText(a.lastErr, "Login verification failed"),
	}
	if a.challenge != nil {
		snap.Challenge = a.challenge.Phrase
		snap.ChallengeReady = a.state == AuthChallengeRequested
	}
	if a.identity != nil {
		id := *a.identity
		snap.Identity = &id
	}
	return snap
}

func (a *Authentication) commit(to AuthState) func() {
	from := a.state
	a.state = to
	snap := a.snapshotLocked()
	seq := a.events.next()
	return func() { a.events.emit(seq, string(from), string(to), snap) }
}

func (a *Authentication) busy() bool {
	return a.requesting || a.state == AuthCapturing || a.state == AuthVerifying
}

// RequestChallenge asks the backend for a new phrase for claim. Any previous
// challenge is discarded first.
func (a *Authentication) RequestChallenge(ctx context.Context, claim Claim) error {
	claim.UserID = strings.TrimSpace(claim.UserID)
	claim.Language = normalizeLanguage(claim.Language, a.opts.DefaultLanguage)
	if claim.UserID == "" {
		return fmt.Errorf("%w: user id cannot be empty", ErrInvalidInput)
	}

	a.mu.Lock()
	if a.busy() {
		a.mu.Unlock()
		return ErrBusy
	}
	switch a.state {
	case AuthIdle, AuthChallengeRequested, AuthFailed:
	default:
		defer a.mu.Unlock()
		return invalid("request challenge", a.state)
	}

	a.claim = claim
	a.challenge = nil
	a.invalidated = false
	a.requesting = true
	a.lastErr = nil
	epoch := a.epoch
	emit := a.commit(AuthChallengeRequested)
	a.mu.Unlock()
	emit()

	challenge, err := a.backend.LoginStart(ctx, claim.UserID)

	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		return ErrReset
	}
	a.requesting = false

	if err != nil {
		a.lastErr = err
		emit = a.commit(AuthIdle)
		a.mu.Unlock()
		emit()

		a.logger.Warn("Challenge request failed",
			slog.String("user_id", claim.UserID),
			slog.String("error", err.Error()),
		)
		return err
	}

	a.challenge = &challenge
	emit = a.commit(AuthChallengeRequested)
	a.mu.Unlock()
	emit()
	return nil
}

// CaptureAndVerify records the spoken challenge and submits it. A capture
// failure keeps the same challenge ready; a rejected verification invalidates it.
func (a *Authentication) CaptureAndVerify(ctx context.Context) error {
	a.mu.Lock()
	if a.busy() {
		a.mu.Unlock()
		return ErrBusy
	}
	if a.state == AuthFailed && a.invalidated {
		a.mu.Unlock()
		return failure.New(failure.ChallengeInvalidated, "request a new challenge", nil)
	}
	if a.state != AuthChallengeRequested || a.challenge == nil {
		defer a.mu.Unlock()
		return invalid("capture", a.state)
	}

	claim := a.claim
	epoch := a.epoch
	a.lastErr = nil
	emit := a.commit(AuthCapturing)
	a.mu.Unlock()
	emit()

	artifact, err := a.capturer.Begin(ctx, a.opts.LoginDuration)

	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		return ErrReset
	}
	if err != nil {
		a.lastErr = err
		emit = a.commit(AuthChallengeRequested)
		a.mu.Unlock()
		emit()

		a.logger.Warn("Challenge capture failed", slog.String("error", err.Error()))
		return err
	}

	// The challenge is spent from here on, whatever the outcome
	a.challenge = nil
	emit = a.commit(AuthVerifying)
	a.mu.Unlock()
	emit()

	user, err := a.backend.LoginVerify(ctx, claim.UserID, claim.Language, artifact)

	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		return ErrReset
	}
	if err != nil {
		a.lastErr = err
		a.invalidated = true
		emit = a.commit(AuthFailed)
		a.mu.Unlock()
		emit()

		a.logger.Warn("Voice verification rejected",
			slog.String("user_id", claim.UserID),
			slog.String("error", err.Error()),
		)
		return err
	}

	if user.Language == "" {
		user.Language = claim.Language
	}
	a.identity = &user
	gen := a.session.establish(user)
	emit = a.commit(AuthAuthenticated)
	a.mu.Unlock()

	a.session.persist(ctx, gen, user)
	emit()

	a.logger.Info("User authenticated", slog.String("user_id", user.ID))
	return nil
}

// Back discards the current challenge and returns to Idle
func (a *Authentication) Back() error {
	a.mu.Lock()
	if a.busy() {
		a.mu.Unlock()
		return ErrBusy
	}
	switch a.state {
	case AuthChallengeRequested, AuthFailed:
	default:
		defer a.mu.Unlock()
		return invalid("back", a.state)
	}

	a.challenge = nil
	a.invalidated = false
	a.lastErr = nil
	emit := a.commit(AuthIdle)
	a.mu.Unlock()
	emit()
	return nil
}

// Reset returns the flow to Idle. A step in progress completes with ErrReset
// and cannot change the session identity.
func (a *Authentication) Reset() {
	a.mu.Lock()
	a.epoch++
	a.claim = Claim{}
	a.challenge = nil
	a.requesting = false
	a.invalidated = false
	a.identity = nil
	a.lastErr = nil
	emit := a.commit(AuthIdle)
	a.mu.Unlock()
	emit()
}
