package transport

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aayush-48/MeshPe/internal/capture"
	"github.com/aayush-48/MeshPe/internal/domain"
	"github.com/aayush-48/MeshPe/internal/failure"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://meshpe.local/schemas/"

// Endpoints maps each backend operation to its path
type Endpoints struct {
	Signup          string
	LoginStart      string
	LoginVerify     string
	PaymentInitiate string
	PaymentConfirm  string
	Logout          string
}

// API is the typed voice backend contract on top of a Dispatcher. Success
// payloads are validated before they reach a flow.
type API struct {
	dispatcher *Dispatcher
	endpoints  Endpoints
	currency   string

	userSchema      *jsonschema.Schema
	challengeSchema *jsonschema.Schema
	paymentSchema   *jsonschema.Schema
}

// NewAPI compiles the response schemas and binds them to dispatcher.
// currency is used when the backend omits one from a payment proposal.
func NewAPI(dispatcher *Dispatcher, endpoints Endpoints, currency string) (*API, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	compile := func(name string) (*jsonschema.Schema, error) {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		url := schemaBaseURL + name
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		return schema, nil
	}

	api := &API{dispatcher: dispatcher, endpoints: endpoints, currency: currency}

	var err error
	if api.userSchema, err = compile("user.schema.json"); err != nil {
		return nil, err
	}
	if api.challengeSchema, err = compile("challenge.schema.json"); err != nil {
		return nil, err
	}
	if api.paymentSchema, err = compile("payment.schema.json"); err != nil {
		return nil, err
	}

	return api, nil
}

// SignupResult is the backend answer to an enrollment submission
type SignupResult struct {
	User    *domain.Identity
	Message string
}

// Signup submits the profile with one audio part per sample, named
// audio_1..audio_N with filenames sample_1.<ext>..sample_N.<ext>.
func (a *API) Signup(ctx context.Context, profile domain.Profile, samples []*capture.Artifact) (*SignupResult, error) {
	var form Form
	form.Add("name", profile.Name)
	form.Add("phone", profile.Phone)
	form.Add("language", profile.Language)

	for i, sample := range samples {
		n := i + 1
		form.Attach(
			fmt.Sprintf("audio_%d", n),
			fmt.Sprintf("sample_%d.%s", n, sample.Extension()),
			sample.ContentType(),
			sample.Data,
		)
	}

	payload, err := a.dispatcher.SubmitForm(ctx, a.endpoints.Signup, form)
	if err != nil {
		return nil, err
	}

	result := &SignupResult{Message: payload.Message}

	// The user record is optional on signup
	var data struct {
		User *domain.Identity `json:"user"`
	}
	if len(payload.Data) > 0 && json.Unmarshal(payload.Data, &data) == nil && data.User != nil && data.User.Valid() {
		result.User = data.User
	}
	return result, nil
}

// LoginStart requests a spoken challenge for userID
func (a *API) LoginStart(ctx context.Context, userID string) (domain.Challenge, error) {
	payload, err := a.dispatcher.PostJSON(ctx, a.endpoints.LoginStart, map[string]string{"user_id": userID})
	if err != nil {
		return domain.Challenge{}, err
	}

	if err := a.validate(a.challengeSchema, payload); err != nil {
		return domain.Challenge{}, err
	}

	var data struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		return domain.Challenge{}, failure.Rejected(payload.StatusCode, "malformed challenge response")
	}

	return domain.Challenge{Phrase: data.Challenge, IssuedFor: userID}, nil
}

// LoginVerify submits the spoken challenge. A success without a user is a rejection.
func (a *API) LoginVerify(ctx context.Context, userID, language string, artifact *capture.Artifact) (domain.Identity, error) {
	var form Form
	form.Add("language", language)
	form.Add("user_id", userID)
	form.Attach("audio", "login."+artifact.Extension(), artifact.ContentType(), artifact.Data)

	payload, err := a.dispatcher.SubmitForm(ctx, a.endpoints.LoginVerify, form)
	if err != nil {
		return domain.Identity{}, err
	}

	if err := a.validate(a.userSchema, payload); err != nil {
		return domain.Identity{}, err
	}

	var data struct {
		User domain.Identity `json:"user"`
	}
	if err := json.Unmarshal(payload.Data, &data); err != nil || !data.User.Valid() {
		return domain.Identity{}, failure.Rejected(payload.StatusCode, "verification response carried no user")
	}

	return data.User, nil
}

// InitiatePayment submits a spoken payment command and returns the parsed proposal
func (a *API) InitiatePayment(ctx context.Context, userID, language string, artifact *capture.Artifact) (*domain.PaymentIntent, error) {
	var form Form
	form.Add("user_id", userID)
	form.Add("language", language)
	form.Attach("audio", "command."+artifact.Extension(), artifact.ContentType(), artifact.Data)

	payload, err := a.dispatcher.SubmitForm(ctx, a.endpoints.PaymentInitiate, form)
	if err != nil {
		return nil, err
	}

	if err := a.validate(a.paymentSchema, payload); err != nil {
		return nil, err
	}

	var data struct {
		PaymentInfo struct {
			ReceiverName string      `json:"receiver_name"`
			Amount       json.Number `json:"amount"`
			Currency     string      `json:"currency"`
		} `json:"payment_info"`
		RawText string `json:"raw_text"`
	}
	dec := json.NewDecoder(bytes.NewReader(payload.Data))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, failure.Rejected(payload.StatusCode, "malformed payment proposal")
	}

	currency := data.PaymentInfo.Currency
	if currency == "" {
		currency = a.currency
	}

	intent, err := domain.NewPaymentIntent(data.PaymentInfo.ReceiverName, data.PaymentInfo.Amount, currency, data.RawText)
	if err != nil {
		return nil, failure.Rejected(payload.StatusCode, err.Error())
	}
	return intent, nil
}

// ConfirmPayment submits the spoken confirmation echoing the frozen intent
func (a *API) ConfirmPayment(ctx context.Context, userID, language string, intent *domain.PaymentIntent, artifact *capture.Artifact) error {
	var form Form
	form.Add("user_id", userID)
	form.Add("language", language)
	form.Add("receiver_name", intent.ReceiverName())
	form.Add("amount", intent.Amount().String())
	form.Attach("audio", "confirm."+artifact.Extension(), artifact.ContentType(), artifact.Data)

	_, err := a.dispatcher.SubmitForm(ctx, a.endpoints.PaymentConfirm, form)
	return err
}

// Logout ends the backend session
func (a *API) Logout(ctx context.Context) error {
	_, err := a.dispatcher.Post(ctx, a.endpoints.Logout)
	return err
}

// validate checks payload data against schema. A violation is a rejection
// of the request, not a transport failure.
func (a *API) validate(schema *jsonschema.Schema, payload *Payload) error {
	if len(payload.Data) == 0 {
		return failure.Rejected(payload.StatusCode, "response carried no data")
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload.Data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return failure.Rejected(payload.StatusCode, "malformed response data")
	}

	if err := schema.Validate(doc); err != nil {
		return failure.Rejected(payload.StatusCode, fmt.Sprintf("unexpected response shape: %v", err))
	}
	return nil
}
