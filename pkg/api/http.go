// Package api exposes the daemon's local debug and inspection surface.
// It binds to loopback by default and carries no auth; it is not a
// public API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"bridgecache/internal/retention"
	"bridgecache/pkg/logger"
	"bridgecache/pkg/models"
	"bridgecache/pkg/reconcile"
	"bridgecache/pkg/store"
	"bridgecache/pkg/utils"
)

// Server wires the debug handlers to a store and engine.
type Server struct {
	store   *store.Store
	engine  *reconcile.Engine
	version string
}

// NewServer returns a debug API server.
func NewServer(st *store.Store, eng *reconcile.Engine, version string) *Server {
	return &Server{store: st, engine: eng, version: version}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations", s.handleConversations).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{pubkey}/messages", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/ingest", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/v1/watermark", s.handleWatermark).Methods(http.MethodGet)
	r.HandleFunc("/v1/retention/run", s.handleRetentionRun).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"store":   s.store.Ready(),
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.engine.Conversations()
	if err != nil {
		logger.Warn("api_list_conversations_failed", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "could not list conversations")
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, convs)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	pubkey := mux.Vars(r)["pubkey"]
	msgs, err := s.store.Messages(pubkey)
	if err != nil {
		logger.Warn("api_list_messages_failed", "conversation", pubkey, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "could not list messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, msgs)
}

// handleIngest feeds one decrypted message through the reconciliation
// engine, the local equivalent of the push channel. Debug use only.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var m models.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid message JSON")
		return
	}
	changed, err := s.engine.Push(r.Context(), m)
	if err != nil {
		utils.JSONError(w, http.StatusConflict, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"merged": changed})
}

func (s *Server) handleWatermark(w http.ResponseWriter, r *http.Request) {
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int64{"watermark": s.store.SyncWatermark()})
}

func (s *Server) handleRetentionRun(w http.ResponseWriter, r *http.Request) {
	if err := retention.RunImmediate(r.Context()); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "done"})
}
