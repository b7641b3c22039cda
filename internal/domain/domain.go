package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Identity is the authenticated session identity returned by voice verification.
type Identity struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Language string `json:"language"`
}

// Valid reports whether the identity carries a resolved user id.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.ID) != ""
}

// Profile is the enrollment profile collected before sample capture.
type Profile struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Language string `json:"language"`
}

// Validate checks that every field required before capture is present.
func (p Profile) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(p.Phone) == "" {
		missing = append(missing, "phone")
	}
	if strings.TrimSpace(p.Language) == "" {
		missing = append(missing, "language")
	}
	if len(missing) > 0 {
		return fmt.Errorf("profile incomplete: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Challenge is a server-issued phrase the user must speak to log in.
type Challenge struct {
	Phrase    string `json:"phrase"`
	IssuedFor string `json:"issued_for"`
}

// IntentStatus tracks a payment intent from proposal to settlement.
type IntentStatus string

const (
	IntentProposed            IntentStatus = "proposed"
	IntentConfirmationPending IntentStatus = "confirmation_pending"
	IntentSettled             IntentStatus = "settled"
	IntentRejected            IntentStatus = "rejected"
)

// ErrInvalidAmount is returned for negative or non-numeric amounts.
var ErrInvalidAmount = errors.New("amount must be a non-negative number")

// PaymentIntent is a parsed payment command. Receiver and amount are fixed at
// construction; the amount keeps the exact text the backend sent so the
// confirmation echoes it byte for byte.
type PaymentIntent struct {
	receiverName string
	amount       json.Number
	currency     string
	rawText      string
	status       IntentStatus
}

// NewPaymentIntent builds a Proposed intent.
func NewPaymentIntent(receiverName string, amount json.Number, currency, rawText string) (*PaymentIntent, error) {
	if strings.TrimSpace(receiverName) == "" {
		return nil, errors.New("receiver name cannot be empty")
	}
	v, err := strconv.ParseFloat(amount.String(), 64)
	if err != nil || v < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount.String())
	}
	return &PaymentIntent{
		receiverName: receiverName,
		amount:       amount,
		currency:     currency,
		rawText:      rawText,
		status:       IntentProposed,
	}, nil
}

func (p *PaymentIntent) ReceiverName() string { return p.receiverName }
func (p *PaymentIntent) Amount() json.Number  { return p.amount }
func (p *PaymentIntent) Currency() string     { return p.currency }
func (p *PaymentIntent) RawText() string      { return p.rawText }
func (p *PaymentIntent) Status() IntentStatus { return p.status }

// MarkPending moves a Proposed intent into confirmation.
func (p *PaymentIntent) MarkPending() {
	p.status = IntentConfirmationPending
}

// Revert returns a pending intent to Proposed after a rejected confirmation.
func (p *PaymentIntent) Revert() {
	p.status = IntentProposed
}

// Settle marks the intent as settled.
func (p *PaymentIntent) Settle() {
	p.status = IntentSettled
}

// Reject marks the intent as discarded.
func (p *PaymentIntent) Reject() {
	p.status = IntentRejected
}

// IntentView is the read-only projection of an intent shown to the user.
type IntentView struct {
	ReceiverName string       `json:"receiver_name"`
	Amount       json.Number  `json:"amount"`
	Currency     string       `json:"currency"`
	RawText      string       `json:"raw_text,omitempty"`
	Status       IntentStatus `json:"status"`
}

// View returns a snapshot of the intent.
func (p *PaymentIntent) View() IntentView {
	return IntentView{
		ReceiverName: p.receiverName,
		Amount:       p.amount,
		Currency:     p.currency,
		RawText:      p.rawText,
		Status:       p.status,
	}
}
