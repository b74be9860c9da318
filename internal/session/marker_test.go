package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func issue(t *testing.T, m *Markers, token, hash string) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := m.Issue(rec, token, hash, true); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Issue() set %d cookies, want 1", len(cookies))
	}
	return cookies[0]
}

func TestMarkerRoundTrip(t *testing.T) {
	m := New("test-secret", time.Hour)
	c := issue(t, m, "tok42", "abc123")

	if c.Name != "smg_media_pw_tok42" || !c.HttpOnly || !c.Secure {
		t.Errorf("cookie = %+v, want HttpOnly Secure smg_media_pw_tok42", c)
	}
	req := httptest.NewRequest(http.MethodGet, "/media/x", nil)
	req.AddCookie(c)
	if got := m.PasswordHash(req, "tok42"); got != "abc123" {
		t.Errorf("PasswordHash() = %q, want abc123", got)
	}
}

func TestMarkerRejections(t *testing.T) {
	m := New("test-secret", time.Hour)
	c := issue(t, m, "tok42", "abc123")

	t.Run("other asset", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/media/x", nil)
		req.AddCookie(&http.Cookie{Name: CookieName("tok7"), Value: c.Value})
		if got := m.PasswordHash(req, "tok7"); got != "" {
			t.Errorf("PasswordHash() = %q for a marker minted for another asset", got)
		}
	})

	t.Run("other secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/media/x", nil)
		req.AddCookie(c)
		if got := New("different", time.Hour).PasswordHash(req, "tok42"); got != "" {
			t.Errorf("PasswordHash() = %q with a foreign signature", got)
		}
	})

	t.Run("expired", func(t *testing.T) {
		later := New("test-secret", time.Hour)
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		req := httptest.NewRequest(http.MethodGet, "/media/x", nil)
		req.AddCookie(c)
		if got := later.PasswordHash(req, "tok42"); got != "" {
			t.Errorf("PasswordHash() = %q for an expired marker", got)
		}
	})

	t.Run("forged plain hash", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/media/x", nil)
		req.AddCookie(&http.Cookie{Name: CookieName("tok42"), Value: "abc123"})
		if got := m.PasswordHash(req, "tok42"); got != "" {
			t.Errorf("PasswordHash() = %q for an unsigned value", got)
		}
	})
}

func TestDisabledMarkers(t *testing.T) {
	m := New("", time.Hour)
	rec := httptest.NewRecorder()
	if err := m.Issue(rec, "tok42", "abc", false); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Errorf("disabled markers set a cookie")
	}
	if got := m.PasswordHash(httptest.NewRequest(http.MethodGet, "/", nil), "tok42"); got != "" {
		t.Errorf("PasswordHash() = %q with markers disabled", got)
	}
}
