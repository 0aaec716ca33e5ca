package accounts

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	r := mux.NewRouter()
	NewHandler(newTestStore(t), log.New(io.Discard, "", 0)).Register(r)
	return r
}

func post(t *testing.T, r http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSignupThenLogin(t *testing.T) {
	r := newTestRouter(t)

	rec := post(t, r, "/signup", `{"name":"Alice","email":"alice@example.com","password":"password123"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 from signup, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = post(t, r, "/login", `{"email":"alice@example.com","password":"password123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp AuthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if !resp.Success || resp.User == nil || resp.User.Name != "Alice" || resp.User.ID == 0 {
		t.Fatalf("unexpected login response %+v", resp)
	}
}

func TestLoginFailures(t *testing.T) {
	r := newTestRouter(t)
	post(t, r, "/signup", `{"name":"Alice","email":"alice@example.com","password":"password123"}`)

	rec := post(t, r, "/login", `{"email":"alice@example.com","password":"nope-nope"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"success":false`) {
		t.Fatalf("expected success:false body, got %s", rec.Body.String())
	}

	rec = post(t, r, "/login", `{"email":"not-an-email","password":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp errorsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode errors response: %v", err)
	}
	if len(resp.Errors) != 2 {
		t.Fatalf("expected 2 validation errors, got %+v", resp.Errors)
	}
}

func TestSignupValidationAndConflict(t *testing.T) {
	r := newTestRouter(t)

	rec := post(t, r, "/signup", `{"name":"","email":"alice@example.com","password":"short"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	post(t, r, "/signup", `{"name":"Alice","email":"alice@example.com","password":"password123"}`)
	rec = post(t, r, "/signup", `{"name":"Alice","email":"alice@example.com","password":"password123"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/signup", nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, req)
	if getRec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /signup, got %d", getRec.Code)
	}
}
