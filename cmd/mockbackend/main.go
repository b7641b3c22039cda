// Command mockbackend serves the six voice backend endpoints with canned
// verification results so the client engine can run without the ML backend.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const sessionCookie = "meshpe_session"

var challengeWords = []string{
	"blue sky seven", "green leaf four", "red moon two", "silver river nine", "quiet forest one",
}

type user struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Language string `json:"language"`
}

type paymentInfo struct {
	ReceiverName string      `json:"receiver_name"`
	Amount       json.Number `json:"amount"`
	Currency     string      `json:"currency"`
}

// backend holds enrolled users, outstanding challenges and proposals in memory
type backend struct {
	receiver string
	amount   json.Number
	samples  int
	logger   *slog.Logger

	mu         sync.Mutex
	users      map[string]*user
	challenges map[string]string
	proposals  map[string]paymentInfo
}

func newBackend(receiver, amount string, samples int, logger *slog.Logger) *backend {
	return &backend{
		receiver:   receiver,
		amount:     json.Number(amount),
		samples:    samples,
		logger:     logger,
		users:      make(map[string]*user),
		challenges: make(map[string]string),
		proposals:  make(map[string]paymentInfo),
	}
}

func (b *backend) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/auth/signup", b.handleSignup)
	r.Post("/auth/login/start", b.handleLoginStart)
	r.Post("/auth/login/verify", b.handleLoginVerify)
	r.Post("/auth/logout", b.handleLogout)
	r.Post("/payment/initiate", b.handlePaymentInitiate)
	r.Post("/payment/confirm", b.handlePaymentConfirm)
	return r
}

// lookup finds a user by id or phone. Callers hold b.mu.
func (b *backend) lookup(key string) *user {
	if u, ok := b.users[key]; ok {
		return u
	}
	for _, u := range b.users {
		if u.Phone == key {
			return u
		}
	}
	return nil
}

func (b *backend) handleSignup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	u := &user{
		ID:       uuid.NewString(),
		Name:     strings.TrimSpace(r.FormValue("name")),
		Phone:    strings.TrimSpace(r.FormValue("phone")),
		Language: strings.TrimSpace(r.FormValue("language")),
	}
	if u.Name == "" || u.Phone == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "name and phone are required")
		return
	}

	for i := 1; i <= b.samples; i++ {
		size, err := fileSize(r.MultipartForm, fmt.Sprintf("audio_%d", i))
		if err != nil || size == 0 {
			writeResult(w, false, nil, fmt.Sprintf("Voice sample %d is missing or empty", i))
			return
		}
	}

	b.mu.Lock()
	if b.lookup(u.Phone) != nil {
		b.mu.Unlock()
		writeResult(w, false, nil, "Phone already registered")
		return
	}
	b.users[u.ID] = u
	b.mu.Unlock()

	b.logger.Info("User enrolled", slog.String("user_id", u.ID), slog.String("phone", u.Phone))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]any{"user": u},
		"message": "Signup successful",
	})
}

func (b *backend) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "user_id is required")
		return
	}

	b.mu.Lock()
	u := b.lookup(req.UserID)
	if u == nil {
		b.mu.Unlock()
		writeResult(w, false, nil, "No enrolled voice for this user")
		return
	}
	word := challengeWords[rand.Intn(len(challengeWords))]
	b.challenges[u.ID] = word
	b.mu.Unlock()

	b.logger.Info("Challenge issued", slog.String("user_id", u.ID), slog.String("challenge", word))
	writeResult(w, true, map[string]any{"challenge": word}, "")
}

func (b *backend) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "Error parsing form")
		return
	}
	size, _ := fileSize(r.MultipartForm, "audio")

	b.mu.Lock()
	u := b.lookup(r.FormValue("user_id"))
	if u == nil {
		b.mu.Unlock()
		writeResult(w, false, nil, "No enrolled voice for this user")
		return
	}
	_, issued := b.challenges[u.ID]
	delete(b.challenges, u.ID)
	b.mu.Unlock()

	if !issued || size == 0 {
		writeResult(w, false, nil, "Voice verification failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    uuid.NewString(),
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Now().Add(24 * time.Hour),
	})
	b.logger.Info("User verified", slog.String("user_id", u.ID))
	writeResult(w, true, map[string]any{"user": u}, "")
}

func (b *backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out"})
}

func (b *backend) handlePaymentInitiate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "Error parsing form")
		return
	}
	if size, err := fileSize(r.MultipartForm, "audio"); err != nil || size == 0 {
		writeResult(w, false, nil, "Could not parse payment command. Heard: ''")
		return
	}

	proposal := paymentInfo{ReceiverName: b.receiver, Amount: b.amount, Currency: "INR"}

	b.mu.Lock()
	u := b.lookup(r.FormValue("user_id"))
	if u == nil {
		b.mu.Unlock()
		writeDetail(w, http.StatusBadRequest, "Unknown user")
		return
	}
	b.proposals[u.ID] = proposal
	b.mu.Unlock()

	rawText := fmt.Sprintf("pay %s %s rupees", strings.ToLower(b.receiver), b.amount)
	writeResult(w, true, map[string]any{"payment_info": proposal, "raw_text": rawText}, "")
}

func (b *backend) handlePaymentConfirm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "Error parsing form")
		return
	}
	if size, err := fileSize(r.MultipartForm, "audio"); err != nil || size == 0 {
		writeResult(w, false, nil, "Liveness check failed")
		return
	}

	receiver := r.FormValue("receiver_name")
	amount := r.FormValue("amount")

	b.mu.Lock()
	u := b.lookup(r.FormValue("user_id"))
	if u == nil {
		b.mu.Unlock()
		writeDetail(w, http.StatusBadRequest, "Unknown user")
		return
	}
	proposal, ok := b.proposals[u.ID]
	if !ok || !strings.EqualFold(proposal.ReceiverName, receiver) || proposal.Amount.String() != amount {
		b.mu.Unlock()
		writeResult(w, false, nil, fmt.Sprintf("Receiver '%s' not found in contacts", receiver))
		return
	}
	delete(b.proposals, u.ID)
	b.mu.Unlock()

	b.logger.Info("Payment forwarded",
		slog.String("packet_id", uuid.NewString()),
		slog.String("sender_id", u.ID),
		slog.String("receiver_name", proposal.ReceiverName),
		slog.String("amount", proposal.Amount.String()),
	)
	writeResult(w, true, map[string]any{"payment_info": proposal}, "")
}

func fileSize(form *multipart.Form, field string) (int, error) {
	files := form.File[field]
	if len(files) == 0 {
		return 0, fmt.Errorf("missing file %s", field)
	}
	f, err := files[0].Open()
	if err != nil {
		return 0, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	return len(data), err
}

func writeResult(w http.ResponseWriter, success bool, data any, errMsg string) {
	body := map[string]any{"success": success}
	if data != nil {
		body["data"] = data
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	writeJSON(w, http.StatusOK, body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	receiver := flag.String("receiver", "Simran", "Receiver proposed for every payment command")
	amount := flag.String("amount", "100", "Amount proposed for every payment command")
	samples := flag.Int("samples", 3, "Number of enrollment samples required")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	b := newBackend(*receiver, *amount, *samples, logger)

	logger.Info("Mock voice backend starting", slog.String("address", *addr))
	srv := &http.Server{
		Addr:              *addr,
		Handler:           b.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
