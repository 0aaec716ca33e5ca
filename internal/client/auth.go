package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidCredentials is returned by Login for a wrong email or password.
var ErrInvalidCredentials = errors.New("client: invalid email or password")

// RejectedError carries the server's validation messages for a signup or login.
type RejectedError struct {
	Status   int
	Messages []string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("client: request rejected (%d): %s", e.Status, strings.Join(e.Messages, "; "))
}

// Accounts talks to the login and signup endpoints of a chat server.
type Accounts struct {
	baseURL string
	http    *http.Client
}

// NewAccounts returns an Accounts client for serverURL. A nil httpClient uses
// a client with a 10 second timeout.
func NewAccounts(serverURL string, httpClient *http.Client) *Accounts {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Accounts{baseURL: strings.TrimRight(serverURL, "/"), http: httpClient}
}

type authUser struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type authResponse struct {
	Success bool      `json:"success"`
	User    *authUser `json:"user"`
	Errors  []struct {
		Msg string `json:"msg"`
	} `json:"errors"`
}

// Signup registers a new account and returns its profile.
func (a *Accounts) Signup(ctx context.Context, name, email, password string) (Profile, error) {
	return a.post(ctx, "/signup", map[string]string{"name": name, "email": email, "password": password})
}

// Login checks credentials and returns the stored profile.
func (a *Accounts) Login(ctx context.Context, email, password string) (Profile, error) {
	return a.post(ctx, "/login", map[string]string{"email": email, "password": password})
}

func (a *Accounts) post(ctx context.Context, path string, body map[string]string) (Profile, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Profile{}, fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return Profile{}, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	var decoded authResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Profile{}, fmt.Errorf("decode %s response (%d): %w", path, resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Profile{}, ErrInvalidCredentials
	case len(decoded.Errors) > 0:
		rejected := &RejectedError{Status: resp.StatusCode}
		for _, e := range decoded.Errors {
			rejected.Messages = append(rejected.Messages, e.Msg)
		}
		return Profile{}, rejected
	case !decoded.Success || decoded.User == nil:
		return Profile{}, fmt.Errorf("post %s: unexpected response status %d", path, resp.StatusCode)
	}

	return Profile{
		ID:        decoded.User.ID,
		Name:      decoded.User.Name,
		Email:     decoded.User.Email,
		ServerURL: a.baseURL,
	}, nil
}
