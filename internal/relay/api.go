package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/campaignhub/convsync/internal/chat"
	"github.com/campaignhub/convsync/internal/metrics"
	"github.com/campaignhub/convsync/internal/protocol"
	"github.com/campaignhub/convsync/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// RegisterRoutes registers the history API routes.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(requireAuth(s.auth))

		r.Get("/threads", s.ListThreads)
		r.Post("/threads", s.CreateThread)
		r.Get("/threads/{threadID}", s.GetThread)
		r.Get("/threads/{threadID}/messages", s.ListMessages)
		r.Post("/threads/{threadID}/messages", s.SendMessage)
		r.Post("/threads/{threadID}/read", s.MarkThreadRead)
		r.Post("/messages/{messageID}/read", s.MarkMessageRead)
		r.Get("/campaigns/{campaignID}/thread", s.ThreadForCampaign)
		r.Post("/users/{userID}/notifications", s.Notify)
	})
}

// ListThreads returns one page of the caller's threads.
func (s *Server) ListThreads(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	page, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	threads, err := s.store.ListThreads(r.Context(), id.UserID, r.URL.Query().Get("campaignId"), page, limit)
	if err != nil {
		s.internalError(w, "list threads", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": threads})
}

// GetThread returns one thread the caller participates in.
func (s *Server) GetThread(w http.ResponseWriter, r *http.Request) {
	t, ok := s.participantThread(w, r, chi.URLParam(r, "threadID"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListMessages returns one page of a thread's messages.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	t, ok := s.participantThread(w, r, chi.URLParam(r, "threadID"))
	if !ok {
		return
	}
	page, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	var desc bool
	switch r.URL.Query().Get("order") {
	case "", "asc":
	case "desc":
		desc = true
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "order must be asc or desc")
		return
	}

	msgs, err := s.store.ListMessages(r.Context(), t.ID, page, limit, desc)
	if err != nil {
		s.internalError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// CreateThread opens the caller's thread for a campaign. Only promoters
// start threads; the campaign's advertiser is the other participant. An
// existing thread for the same campaign and promoter is returned with 200.
func (s *Server) CreateThread(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	var req struct {
		CampaignID string `json:"campaignId"`
		Subject    string `json:"subject"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CampaignID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "campaignId is required")
		return
	}
	if id.Role != chat.RolePromoter {
		writeError(w, http.StatusForbidden, "forbidden", "only promoters start campaign threads")
		return
	}

	advertiserID, err := s.store.Campaign(r.Context(), req.CampaignID)
	if err != nil {
		s.internalError(w, "campaign lookup", err)
		return
	}
	if advertiserID == "" {
		writeError(w, http.StatusNotFound, "campaign_not_found", "campaign not found")
		return
	}

	newID := uuid.NewString()
	t, err := s.store.CreateThread(r.Context(), chat.Thread{
		ID:            newID,
		Subject:       req.Subject,
		CampaignID:    req.CampaignID,
		AdvertiserID:  advertiserID,
		PromoterID:    id.UserID,
		LastMessageAt: s.now(),
	})
	if err != nil {
		s.internalError(w, "create thread", err)
		return
	}

	status := http.StatusOK
	if t.ID == newID {
		status = http.StatusCreated
		log.Printf("[relay] thread created id=%s campaign=%s promoter=%s", t.ID, t.CampaignID, t.PromoterID)
	}
	writeJSON(w, status, t)
}

// SendMessage persists a message from the caller and pushes it to both
// participants.
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	t, ok := s.participantThread(w, r, chi.URLParam(r, "threadID"))
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := chat.ValidateMessage(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_content", err.Error())
		return
	}

	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), id.UserID, s.config.SendRule)
		if !allowed {
			metrics.RelayMessagesTotal.WithLabelValues("rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many messages, slow down")
			return
		}
	}

	role, _ := t.RoleOf(id.UserID)
	m := chat.Message{
		ID:         uuid.NewString(),
		ThreadID:   t.ID,
		SenderID:   id.UserID,
		SenderRole: role,
		Content:    req.Content,
		CreatedAt:  s.now(),
	}
	if err := s.store.AddMessage(r.Context(), m); err != nil {
		s.internalError(w, "add message", err)
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues("stored").Inc()

	users := []string{t.AdvertiserID, t.PromoterID}
	if err := s.hub.PublishToUsers(t.ID, users, protocol.MessageArrived{Message: m}); err != nil {
		log.Printf("[relay] new_message publish failed thread=%s msg=%s: %v", t.ID, m.ID, err)
	}
	writeJSON(w, http.StatusCreated, m)
}

// MarkThreadRead flags every message the other participant sent as read.
func (s *Server) MarkThreadRead(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	t, ok := s.participantThread(w, r, chi.URLParam(r, "threadID"))
	if !ok {
		return
	}

	if _, err := s.store.MarkThreadRead(r.Context(), t.ID, id.UserID); err != nil {
		s.internalError(w, "mark thread read", err)
		return
	}

	users := []string{t.AdvertiserID, t.PromoterID}
	ev := protocol.ThreadMarkedRead{ThreadID: t.ID, UserID: id.UserID}
	if err := s.hub.PublishToUsers(t.ID, users, ev); err != nil {
		log.Printf("[relay] thread_read publish failed thread=%s: %v", t.ID, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkMessageRead flags one message as read. Reading one's own message is a
// no-op.
func (s *Server) MarkMessageRead(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	m, err := s.store.GetMessage(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		s.internalError(w, "get message", err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "not_found", "message not found")
		return
	}
	t, ok := s.participantThread(w, r, m.ThreadID)
	if !ok {
		return
	}
	if m.SenderID == id.UserID {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	changed, err := s.store.MarkMessageRead(r.Context(), m.ID)
	if err != nil {
		s.internalError(w, "mark message read", err)
		return
	}
	if changed {
		users := []string{t.AdvertiserID, t.PromoterID}
		ev := protocol.MessageMarkedRead{MessageID: m.ID, UserID: id.UserID}
		if err := s.hub.PublishToUsers(t.ID, users, ev); err != nil {
			log.Printf("[relay] message_read publish failed msg=%s: %v", m.ID, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ThreadForCampaign returns the caller's thread for a campaign, or 404.
func (s *Server) ThreadForCampaign(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	t, err := s.store.ThreadForCampaign(r.Context(), chi.URLParam(r, "campaignID"), id.UserID)
	if err != nil {
		s.internalError(w, "thread for campaign", err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "not_found", "no thread for this campaign")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Notify pushes an informational notification with an arbitrary JSON
// payload to every connection of a user.
func (s *Server) Notify(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := chat.ValidateID(userID); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid user id")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be valid JSON")
		return
	}

	ev := protocol.NotificationArrived{Payload: json.RawMessage(body)}
	if err := s.hub.PublishToUsers("user."+userID, []string{userID}, ev); err != nil {
		s.internalError(w, "notify", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// participantThread loads a thread and checks that the caller takes part in
// it. It writes the error response and returns false otherwise.
func (s *Server) participantThread(w http.ResponseWriter, r *http.Request, threadID string) (*chat.Thread, bool) {
	id, _ := IdentityFromContext(r.Context())

	t, err := s.store.GetThread(r.Context(), threadID, id.UserID)
	if err != nil {
		s.internalError(w, "get thread", err)
		return nil, false
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "not_found", "thread not found")
		return nil, false
	}
	if !t.IsParticipant(id.UserID) {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant of this thread")
		return nil, false
	}
	return t, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrUnknownThread) {
		writeError(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}
	log.Printf("[relay] %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

// now returns the relay clock truncated to the precision Postgres stores.
// Successive calls never return the same instant, so messages keep their
// send order.
func (s *Server) now() time.Time {
	t := s.clock.Now().UTC().Truncate(time.Microsecond)

	s.nowMu.Lock()
	defer s.nowMu.Unlock()
	if !t.After(s.lastNow) {
		t = s.lastNow.Add(time.Microsecond)
	}
	s.lastNow = t
	return t
}

func pageParams(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &page}, {"limit", &limit}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", p.name+" must be a non-negative integer")
			return 0, 0, false
		}
		*p.dst = n
	}
	return page, limit, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[relay] encode response: %v", err)
	}
}

// writeError writes the error body the history client decodes into
// history.APIError.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}
