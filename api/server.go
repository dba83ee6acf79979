// Package api exposes the orchestrator over HTTP and websockets.
package api

import (
	"encoding/json"
	"log/slog"
	"negotiation-lab/domain"
	"negotiation-lab/errors"
	"negotiation-lab/identity"
	"negotiation-lab/runtime"
	"negotiation-lab/runtime/workers"
	"negotiation-lab/telemetry"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const maxBodySize = 64 << 10

type Config struct {
	AllowedOrigins []string
	ActivityWindow time.Duration
	SendBuffer     int
	// Stats is reported by /healthz when set
	Stats func() workers.ProcessStats
}

type Server struct {
	log          *slog.Logger
	orchestrator *runtime.Orchestrator
	activities   *telemetry.Sink
	verifier     *identity.Verifier
	config       Config
	upgrader     websocket.Upgrader
}

func NewServer(log *slog.Logger, orchestrator *runtime.Orchestrator, activities *telemetry.Sink,
	verifier *identity.Verifier, config Config) *Server {
	if config.ActivityWindow <= 0 {
		config.ActivityWindow = time.Minute
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 32
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"https://*", "http://*"}
	}
	return &Server{
		log:          log,
		orchestrator: orchestrator,
		activities:   activities,
		verifier:     verifier,
		config:       config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are enforced by the CORS layer and the token
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed API wrapped in CORS.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	authed := router.NewRoute().Subrouter()
	authed.Use(s.verifier.Middleware)
	authed.HandleFunc("/conversations", s.openConversation).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}", s.getConversation).Methods(http.MethodGet)
	authed.HandleFunc("/conversations/{id}/offers", s.history).Methods(http.MethodGet)
	authed.HandleFunc("/conversations/{id}/offers", s.propose).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}/offers/counter", s.counter).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}/offers/accept", s.accept).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}/offers/reject", s.reject).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}/typing", s.typing).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}/read", s.read).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}/ws", s.serveWS).Methods(http.MethodGet)
	authed.HandleFunc("/activity", s.recordActivity).Methods(http.MethodPost)

	return cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})(router)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if !s.orchestrator.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	body := map[string]any{"status": "ok", "sessions": s.orchestrator.Sessions()}
	if s.config.Stats != nil {
		body["process"] = s.config.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) openConversation(w http.ResponseWriter, r *http.Request) {
	var body openConversationRequest
	if err := decode(r, &body); err != nil {
		writeError(s.log, w, err)
		return
	}
	conversation, err := s.orchestrator.OpenConversation(r.Context(), userID(r), body.ListingID, body.SellerID)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conversationResponse{Conversation: conversation})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := conversationID(r)
	conversation, err := s.orchestrator.Conversation(r.Context(), userID(r), id)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	latest, err := s.orchestrator.Latest(r.Context(), userID(r), id)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conversation, Latest: latest})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	offers, err := s.orchestrator.History(r.Context(), userID(r), conversationID(r))
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	if offers == nil {
		offers = []domain.Offer{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Offers: offers})
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request) {
	s.withTerms(w, r, func(id string, terms domain.OfferTerms) domain.Command {
		return domain.ProposeOfferCommand{ConversationID: id, Terms: terms}
	})
}

func (s *Server) counter(w http.ResponseWriter, r *http.Request) {
	s.withTerms(w, r, func(id string, terms domain.OfferTerms) domain.Command {
		return domain.CounterOfferCommand{ConversationID: id, Terms: terms}
	})
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, domain.AcceptOfferCommand{ConversationID: conversationID(r)})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, domain.RejectOfferCommand{ConversationID: conversationID(r)})
}

func (s *Server) typing(w http.ResponseWriter, r *http.Request) {
	var body typingRequest
	if err := decode(r, &body); err != nil {
		writeError(s.log, w, err)
		return
	}
	s.dispatch(w, r, domain.SetTypingCommand{ConversationID: conversationID(r), Typing: body.Typing})
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	var body readRequest
	if err := decode(r, &body); err != nil {
		writeError(s.log, w, err)
		return
	}
	s.dispatch(w, r, domain.MarkReadCommand{
		ConversationID: conversationID(r),
		Cursor:         body.Cursor,
		RefMessageID:   body.RefMessageID,
	})
}

func (s *Server) withTerms(w http.ResponseWriter, r *http.Request, build func(string, domain.OfferTerms) domain.Command) {
	var body termsRequest
	if err := decode(r, &body); err != nil {
		writeError(s.log, w, err)
		return
	}
	terms, err := body.terms()
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	s.dispatch(w, r, build(conversationID(r), terms))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmd domain.Command) {
	reply, err := s.orchestrator.Dispatch(r.Context(), userID(r), cmd)
	if err != nil {
		writeError(s.log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReplyResponse(reply))
}

// recordActivity always answers 202: telemetry never fails a user action.
func (s *Server) recordActivity(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusAccepted)

	var body activityRequest
	if err := decode(r, &body); err != nil {
		s.log.Debug("Activity refused", "error", err)
		return
	}
	if s.activities == nil {
		return
	}
	observedAt := body.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	window := s.config.ActivityWindow
	if body.WindowSeconds > 0 {
		window = time.Duration(body.WindowSeconds) * time.Second
	}
	outcome, err := s.activities.Record(r.Context(), userID(r), body.ActivityType, body.Metadata, observedAt, window)
	if err != nil {
		s.log.Error("Unable to record activity", "user", userID(r), "activity", body.ActivityType, "error", err)
		return
	}
	s.log.Debug("Activity recorded", "user", userID(r), "activity", body.ActivityType, "outcome", outcome)
}

func decode(r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errors.Validation("body: %v", err)
	}
	if _, ok := v.(*termsRequest); ok {
		// Checked with the amount conversion
		return nil
	}
	if err := validate.Struct(v); err != nil {
		return errors.Validation("body: %v", err)
	}
	return nil
}

func userID(r *http.Request) string {
	id, _ := identity.UserIDFromContext(r.Context())
	return id
}

func conversationID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
