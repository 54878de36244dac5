package sessionstore

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sessionName = "test-session"

func setup(t *testing.T) *BoltStore {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "sessions.db"), 0600, []byte("super-secret-key"))
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return s
}

// roundTrip saves values in a new session, and returns the cookie that
// references it.
func roundTrip(t *testing.T, s *BoltStore, values map[interface{}]interface{}) *http.Cookie {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := s.Get(req, sessionName)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if !sess.IsNew {
		t.Fatal("Want: new session")
	}
	for k, v := range values {
		sess.Values[k] = v
	}

	rec := httptest.NewRecorder()
	if err := sess.Save(req, rec); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Want: 1 cookie, got %d", len(cookies))
	}
	return cookies[0]
}

func TestSetGet(t *testing.T) {
	s := setup(t)

	want := map[interface{}]interface{}{
		"oidc-id-token":      "header.payload.sig",
		"oidc-refresh-token": "refresh",
	}
	cookie := roundTrip(t, s, want)

	if cookie.Value == "" || len(cookie.Value) > 512 {
		t.Errorf("Want: a short signed session ID in the cookie, got %d bytes", len(cookie.Value))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	sess, err := s.Get(req, sessionName)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if sess.IsNew {
		t.Error("Want: existing session")
	}
	if diff := cmp.Diff(want, sess.Values); diff != "" {
		t.Error(diff)
	}
}

func TestTamperedCookie(t *testing.T) {
	s := setup(t)

	cookie := roundTrip(t, s, map[interface{}]interface{}{"k": "v"})
	cookie.Value = cookie.Value[:len(cookie.Value)-4] + "AAAA"

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	sess, err := s.Get(req, sessionName)
	if err == nil {
		t.Error("Want: decode error for tampered cookie")
	}
	if sess == nil || !sess.IsNew || len(sess.Values) != 0 {
		t.Errorf("Want: new empty session, got %#v", sess)
	}
}

func TestDelete(t *testing.T) {
	s := setup(t)

	cookie := roundTrip(t, s, map[interface{}]interface{}{"k": "v"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	sess, err := s.Get(req, sessionName)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	sess.Options.MaxAge = -1
	rec := httptest.NewRecorder()
	if err := sess.Save(req, rec); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Errorf("Want: expired cookie, got %v", cookies)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	sess, err = s.Get(req, sessionName)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if !sess.IsNew {
		t.Error("Want: deleted session to come back new")
	}
}

func TestExpiry(t *testing.T) {
	s := setup(t)

	cookie := roundTrip(t, s, map[interface{}]interface{}{"k": "v"})

	s.Now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	sess, err := s.New(req, sessionName)
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if !sess.IsNew {
		t.Error("Want: expired session to come back new")
	}

	n, err := s.GarbageCollect(s.Now())
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if n != 1 {
		t.Errorf("Want: 1 session collected, got %d", n)
	}
}
