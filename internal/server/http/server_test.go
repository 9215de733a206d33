package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rzbill/courier/internal/admission"
	"github.com/rzbill/courier/internal/backplane"
	"github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/presence"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/pkg/log"
)

func newTestServer(t *testing.T, adm *admission.Controller) (*Server, *message.Store, *presence.Directory) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	bp := backplane.NewLocal()
	t.Cleanup(func() { bp.Close() })

	store := message.NewStore(db)
	dir := presence.New(bp, "node-test", log.NewTestLogger())
	s := New(Deps{
		Store:     store,
		Presence:  dir,
		Admission: adm,
		Backplane: bp,
		Logger:    log.NewTestLogger(),
	})
	return s, store, dir
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %q, want ok", body["status"])
	}
}

func TestMessagesEndpoint(t *testing.T) {
	s, store, _ := newTestServer(t, nil)
	ev := message.New("u1", "u2", "hello", "")
	if _, err := store.Save(context.Background(), ev, 1); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages?user=u1&peer=u2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var conv []message.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(conv) != 1 || conv[0].ID != ev.ID {
		t.Fatalf("conversation = %+v, want one event %s", conv, ev.ID)
	}

	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages?user=u1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing peer: status = %d, want 400", rec.Code)
	}
}

func TestOnlineUsersEndpoint(t *testing.T) {
	s, _, dir := newTestServer(t, nil)
	dir.Register(context.Background(), "u1", "c1")

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/online", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var users []string
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(users) != 1 || users[0] != "u1" {
		t.Fatalf("users = %v, want [u1]", users)
	}
}

func TestAdmissionMiddlewareRejects(t *testing.T) {
	bp := backplane.NewLocal()
	t.Cleanup(func() { bp.Close() })
	adm := admission.New(bp, config.Admission{
		General: config.Tier{
			Points:        2,
			Duration:      config.Duration(time.Minute),
			BlockDuration: config.Duration(time.Minute),
		},
		Sensitive: config.Default().Admission.Sensitive,
	}, log.NewTestLogger(), nil)

	s, _, _ := newTestServer(t, adm)
	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/users/online", nil)
		req.RemoteAddr = "203.0.113.9:4242"
		s.srv.Handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := get(); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}
	rec := get()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 response carries no Retry-After")
	}
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.Message != "Too many requests" {
		t.Fatalf("body = %+v, want canonical rejection", body)
	}

	// Health stays reachable for probes while the client is blocked.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.9:4242"
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz while blocked: status = %d, want 200", rec.Code)
	}
}

func TestSensitiveTierGuardsConnectionAccepts(t *testing.T) {
	bp := backplane.NewLocal()
	t.Cleanup(func() { bp.Close() })
	adm := admission.New(bp, config.Admission{
		General: config.Default().Admission.General,
		Sensitive: config.Tier{
			Points:        2,
			Duration:      config.Duration(time.Minute),
			BlockDuration: config.Duration(time.Minute),
		},
	}, log.NewTestLogger(), nil)

	accepted := 0
	s := New(Deps{
		WS: func(w http.ResponseWriter, r *http.Request) {
			accepted++
			w.WriteHeader(http.StatusOK)
		},
		Admission: adm,
		Logger:    log.NewTestLogger(),
	})

	connect := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws?userId=u1", nil)
		req.RemoteAddr = "203.0.113.7:9000"
		s.srv.Handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := connect(); rec.Code != http.StatusOK {
			t.Fatalf("connect %d: status = %d, want 200", i+1, rec.Code)
		}
	}
	rec := connect()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if accepted != 2 {
		t.Fatalf("upgrades reached the gateway %d times, want 2", accepted)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/messages", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}
