package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aayush-48/MeshPe/internal/capture"
	"github.com/aayush-48/MeshPe/internal/domain"
	"github.com/aayush-48/MeshPe/internal/metrics"
)

// TxState is a state of the payment confirmation flow
type TxState string

const (
	TxIdle                  TxState = "idle"
	TxCapturingCommand      TxState = "capturing_command"
	TxProcessingCommand     TxState = "processing_command"
	TxReview                TxState = "review"
	TxCapturingConfirmation TxState = "capturing_confirmation"
	TxConfirming            TxState = "confirming"
	TxSettled               TxState = "settled"
)

func (s TxState) String() string { return string(s) }

// PaymentBackend parses spoken payment commands and confirms them
type PaymentBackend interface {
	InitiatePayment(ctx context.Context, userID, language string, artifact *capture.Artifact) (*domain.PaymentIntent, error)
	ConfirmPayment(ctx context.Context, userID, language string, intent *domain.PaymentIntent, artifact *capture.Artifact) error
}

// TxSnapshot is the observable state of the payment flow
type TxSnapshot struct {
	State  TxState            `json:"state"`
	Intent *domain.IntentView `json:"intent,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// Transaction captures a spoken payment command, shows the parsed intent for
// review and settles it after a spoken confirmation. The intent is frozen
// from proposal to settlement; confirmation echoes its receiver and amount.
type Transaction struct {
	capturer Capturer
	backend  PaymentBackend
	session  *Session
	opts     Options
	logger   *slog.Logger
	events   *emitter

	mu      sync.Mutex
	state   TxState
	epoch   uint64
	intent  *domain.PaymentIntent
	lastErr error
	settled *time.Timer
}

// NewTransaction creates a payment flow in Idle
func NewTransaction(capturer Capturer, backend PaymentBackend, session *Session, opts Options, logger *slog.Logger, m *metrics.Metrics) *Transaction {
	return &Transaction{
		capturer: capturer,
		backend:  backend,
		session:  session,
		opts:     opts,
		logger:   logger,
		events:   newEmitter("transaction", logger, m),
		state:    TxIdle,
	}
}

// Subscribe registers an observer of committed transitions
func (t *Transaction) Subscribe(o Observer) {
	t.events.subscribe(o)
}

// Snapshot returns the current state
func (t *Transaction) Snapshot() TxSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Transaction) snapshotLocked() TxSnapshot {
	snap := TxSnapshot{
		State: t.state,
		Error: errorText(t.lastErr, "Payment failed"),
	}
	if t.intent != nil {
		view := t.intent.View()
		snap.Intent = &view
	}
	return snap
}

func (t *Transaction) commit(to TxState) func() {
	from := t.state
	t.state = to
	snap := t.snapshotLocked()
	seq := t.events.next()
	return func() { t.events.emit(seq, string(from), string(to), snap) }
}

func (t *Transaction) busy() bool {
	switch t.state {
	case TxCapturingCommand, TxProcessingCommand, TxCapturingConfirmation, TxConfirming:
		return true
	}
	return false
}

func (t *Transaction) speaker() (domain.Identity, string, error) {
	id, ok := t.session.Current()
	if !ok {
		return domain.Identity{}, "", ErrNotAuthenticated
	}
	return id, normalizeLanguage(id.Language, t.opts.DefaultLanguage), nil
}

// CaptureCommand records a spoken payment command and submits it for parsing.
// Any failure returns the flow to Idle with nothing kept.
func (t *Transaction) CaptureCommand(ctx context.Context) error {
	user, lang, err := t.speaker()
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.busy() {
		t.mu.Unlock()
		return ErrBusy
	}
	if t.state != TxIdle {
		defer t.mu.Unlock()
		return invalid("capture command", t.state)
	}
	t.lastErr = nil
	epoch := t.epoch
	emit := t.commit(TxCapturingCommand)
	t.mu.Unlock()
	emit()

	artifact, err := t.capturer.Begin(ctx, t.opts.CommandDuration)
	if err != nil {
		return t.abort(epoch, TxIdle, err, "Payment command capture failed")
	}
	if err := t.advance(epoch, TxProcessingCommand); err != nil {
		return err
	}

	intent, err := t.backend.InitiatePayment(ctx, user.ID, lang, artifact)
	if err != nil {
		return t.abort(epoch, TxIdle, err, "Payment command rejected")
	}

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return ErrReset
	}
	t.intent = intent
	emit = t.commit(TxReview)
	t.mu.Unlock()
	emit()

	t.logger.Info("Payment proposed",
		slog.String("receiver", intent.ReceiverName()),
		slog.String("amount", intent.Amount().String()),
		slog.String("currency", intent.Currency()),
	)
	return nil
}

// Cancel discards the proposed intent
func (t *Transaction) Cancel() error {
	t.mu.Lock()
	if t.state != TxReview {
		defer t.mu.Unlock()
		if t.busy() {
			return ErrBusy
		}
		return invalid("cancel", t.state)
	}
	t.intent.Reject()
	t.intent = nil
	t.lastErr = nil
	emit := t.commit(TxIdle)
	t.mu.Unlock()
	emit()
	return nil
}

// Confirm records the spoken confirmation and submits it with the frozen
// intent. Capture failure or rejection returns to Review with the intent intact.
func (t *Transaction) Confirm(ctx context.Context) error {
	user, lang, err := t.speaker()
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.busy() {
		t.mu.Unlock()
		return ErrBusy
	}
	if t.state != TxReview {
		defer t.mu.Unlock()
		return invalid("confirm", t.state)
	}
	intent := t.intent
	intent.MarkPending()
	t.lastErr = nil
	epoch := t.epoch
	emit := t.commit(TxCapturingConfirmation)
	t.mu.Unlock()
	emit()

	artifact, err := t.capturer.Begin(ctx, t.opts.ConfirmDuration)
	if err != nil {
		return t.abort(epoch, TxReview, err, "Confirmation capture failed")
	}
	if err := t.advance(epoch, TxConfirming); err != nil {
		return err
	}

	if err := t.backend.ConfirmPayment(ctx, user.ID, lang, intent, artifact); err != nil {
		return t.abort(epoch, TxReview, err, "Payment confirmation rejected")
	}

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return ErrReset
	}
	intent.Settle()
	emit = t.commit(TxSettled)
	t.settled = time.AfterFunc(t.opts.SettledDisplay, func() { t.dismiss(epoch) })
	t.mu.Unlock()
	emit()

	t.logger.Info("Payment settled",
		slog.String("receiver", intent.ReceiverName()),
		slog.String("amount", intent.Amount().String()),
	)
	return nil
}

// advance commits to unless the flow was reset since epoch
func (t *Transaction) advance(epoch uint64, to TxState) error {
	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return ErrReset
	}
	emit := t.commit(to)
	t.mu.Unlock()
	emit()
	return nil
}

// abort records err and falls back to the safe state. Falling back to Idle
// drops the intent; falling back to Review keeps it as proposed.
func (t *Transaction) abort(epoch uint64, to TxState, err error, msg string) error {
	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		return ErrReset
	}
	t.lastErr = err
	if to == TxIdle {
		t.intent = nil
	} else if t.intent != nil {
		t.intent.Revert()
	}
	emit := t.commit(to)
	t.mu.Unlock()
	emit()

	t.logger.Warn(msg, slog.String("error", err.Error()))
	return err
}

// dismiss clears a settled payment after the display delay
func (t *Transaction) dismiss(epoch uint64) {
	t.mu.Lock()
	if t.epoch != epoch || t.state != TxSettled {
		t.mu.Unlock()
		return
	}
	t.epoch++
	t.intent = nil
	t.settled = nil
	emit := t.commit(TxIdle)
	t.mu.Unlock()
	emit()
}

// Reset returns the flow to Idle, dropping any intent and pending dismissal
func (t *Transaction) Reset() {
	t.mu.Lock()
	t.epoch++
	if t.settled != nil {
		t.settled.Stop()
		t.settled = nil
	}
	t.intent = nil
	t.lastErr = nil
	emit := t.commit(TxIdle)
	t.mu.Unlock()
	emit()
}
