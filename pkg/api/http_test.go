package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bridgecache/pkg/keys"
	"bridgecache/pkg/models"
	"bridgecache/pkg/reconcile"
	"bridgecache/pkg/store"
)

const selfPk = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
const peerPk = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

type staticSigner struct{}

func (staticSigner) GetPublicKey(ctx context.Context) (string, error) { return selfPk, nil }

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	ks := keys.NewService()
	if err := ks.Initialize(selfPk); err != nil {
		t.Fatalf("initialize keys: %v", err)
	}
	st, err := store.Open(t.TempDir(), selfPk, ks)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	eng := reconcile.New(st, nil, staticSigner{})
	return NewServer(st, eng, "test"), st
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["store"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestIngestThenListMessages(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()

	payload := `{"id":"m1","sender_pubkey":"` + peerPk + `","recipient_pubkey":"` + selfPk + `","content":"hi","created_at":100}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status %d: %s", rec.Code, rec.Body.String())
	}
	var res map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res["merged"] {
		t.Fatalf("message not merged: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/"+peerPk+"/messages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	var msgs []models.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestIngestRejectsBadJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestWatermarkEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	if err := st.SetSyncWatermark(4242); err != nil {
		t.Fatalf("SetSyncWatermark: %v", err)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/watermark", nil))
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["watermark"] != 4242 {
		t.Fatalf("watermark %d", body["watermark"])
	}
}

func TestConversationsEmptyListNotNull(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("expected empty array, got %q", got)
	}
}
