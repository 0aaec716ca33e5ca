package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/mail"
	"strings"

	"github.com/gorilla/mux"
)

const minPasswordLength = 8

// Service is what the HTTP handler needs from a credential store.
type Service interface {
	CreateUser(ctx context.Context, name, email, password string) (User, error)
	Authenticate(ctx context.Context, email, password string) (User, error)
}

type Handler struct {
	service Service
	logger  *log.Logger
}

func NewHandler(service Service, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register mounts /signup and /login on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/signup", h.Signup).Methods(http.MethodPost)
	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type fieldError struct {
	Msg string `json:"msg"`
}

type errorsResponse struct {
	Errors []fieldError `json:"errors"`
}

// AuthResponse is the body of a successful signup or login.
type AuthResponse struct {
	Success bool  `json:"success"`
	User    *User `json:"user,omitempty"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrors(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var problems []string
	if strings.TrimSpace(req.Name) == "" {
		problems = append(problems, "Name is required")
	}
	if !validEmail(req.Email) {
		problems = append(problems, "Email format is invalid")
	}
	if len(req.Password) < minPasswordLength {
		problems = append(problems, "Password must be at least 8 characters")
	}
	if len(problems) > 0 {
		writeErrors(w, http.StatusBadRequest, problems...)
		return
	}

	user, err := h.service.CreateUser(r.Context(), strings.TrimSpace(req.Name), req.Email, req.Password)
	if errors.Is(err, ErrEmailTaken) {
		writeErrors(w, http.StatusConflict, "Email is already registered")
		return
	}
	if err != nil {
		h.logger.Printf("accounts: signup failed: %v", err)
		writeErrors(w, http.StatusInternalServerError, "Could not create account")
		return
	}

	h.logger.Printf("accounts: user registered id=%d", user.ID)
	writeJSON(w, http.StatusCreated, AuthResponse{Success: true, User: &user})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrors(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var problems []string
	if !validEmail(req.Email) {
		problems = append(problems, "Email format is invalid")
	}
	if req.Password == "" {
		problems = append(problems, "Password is required")
	}
	if len(problems) > 0 {
		writeErrors(w, http.StatusBadRequest, problems...)
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		writeJSON(w, http.StatusUnauthorized, AuthResponse{Success: false})
		return
	}
	if err != nil {
		h.logger.Printf("accounts: login failed: %v", err)
		writeErrors(w, http.StatusInternalServerError, "Could not log in")
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{Success: true, User: &user})
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	return err == nil && addr.Address == strings.TrimSpace(email)
}

func writeErrors(w http.ResponseWriter, status int, msgs ...string) {
	resp := errorsResponse{Errors: make([]fieldError, 0, len(msgs))}
	for _, msg := range msgs {
		resp.Errors = append(resp.Errors, fieldError{Msg: msg})
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
