package access

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testSecret = []byte("test-secret-0123456789")

func TestMintAndValidate(t *testing.T) {
	token, err := MintToken(testSecret, "session-1", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	claims, err := ValidateToken(testSecret, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.SessionID != "session-1" {
		t.Errorf("expected session-1, got %q", claims.SessionID)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := MintToken(testSecret, "session-1", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if _, err := ValidateToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	token, err := MintToken(testSecret, "session-1", -time.Minute)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if _, err := ValidateToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	if _, err := ValidateToken(testSecret, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func protectedHandler(t *testing.T) http.Handler {
	t.Helper()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok:" + r.Header.Get("X-Portico-Session")))
	})
	return Middleware(testSecret, nil)(inner)
}

func TestMiddlewareAcceptsBearerToken(t *testing.T) {
	token, err := MintToken(testSecret, "sess", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protectedHandler(t).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "ok:sess" {
		t.Errorf("session claim not propagated, body %q", got)
	}
}

func TestMiddlewareAcceptsSessionCookie(t *testing.T) {
	token, err := MintToken(testSecret, "sess", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	rec := httptest.NewRecorder()
	protectedHandler(t).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with cookie credential, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsMissingAndForgedCredentials(t *testing.T) {
	cases := map[string]func(*http.Request){
		"no credential": func(r *http.Request) {},
		"bad bearer":    func(r *http.Request) { r.Header.Set("Authorization", "Bearer junk") },
		"wrong scheme":  func(r *http.Request) { r.Header.Set("Authorization", "Basic dXNlcg==") },
		"bad cookie": func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "junk"})
		},
	}
	for name, mutate := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		mutate(req)
		rec := httptest.NewRecorder()
		protectedHandler(t).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}
