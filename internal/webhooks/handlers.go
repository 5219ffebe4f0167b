// Copyright 2025 James Ross
package webhooks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Service exposes webhook subscription management over HTTP.
type Service struct {
	manager *Manager
	logger  *zap.Logger
}

func NewService(manager *Manager, logger *zap.Logger) *Service {
	return &Service{manager: manager, logger: logger}
}

// RegisterRoutes mounts the webhook management API under router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks", s.create).Methods(http.MethodPost)
	router.HandleFunc("/webhooks", s.list).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/dlh", s.listDLH).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/health", s.health).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/{id}", s.get).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/{id}", s.update).Methods(http.MethodPut)
	router.HandleFunc("/webhooks/{id}", s.delete).Methods(http.MethodDelete)
	router.HandleFunc("/webhooks/{id}/test", s.test).Methods(http.MethodPost)
}

func (s *Service) create(w http.ResponseWriter, r *http.Request) {
	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return
	}
	sub, err := s.manager.CreateWebhookSubscription(r.Context(), req)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Service) list(w http.ResponseWriter, r *http.Request) {
	subs, err := s.manager.ListWebhookSubscriptions(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subs, "count": len(subs)})
}

func (s *Service) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sub, err := s.manager.GetWebhookSubscription(r.Context(), id)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Service) update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req UpdateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return
	}
	sub, err := s.manager.UpdateWebhookSubscription(r.Context(), id, req)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Service) delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.DeleteWebhookSubscription(r.Context(), id); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) test(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.TestWebhookDelivery(id); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Service) listDLH(w http.ResponseWriter, r *http.Request) {
	subscriptionID := r.URL.Query().Get("subscription_id")
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}
	entries, err := s.manager.GetDeadLetterHooks(subscriptionID, limit)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letter_hooks": entries, "count": len(entries)})
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": s.manager.GetSubscriptionHealthStatuses(),
		"metrics":       s.manager.GetMetrics(),
	})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Service) writeError(w http.ResponseWriter, status int, message string, err error) {
	s.logger.Warn("webhooks: API error", zap.Int("status", status), zap.String("message", message), zap.Error(err))
	resp := map[string]interface{}{"error": message}
	if err != nil {
		resp["details"] = err.Error()
	}
	s.writeJSON(w, status, resp)
}

func (s *Service) handleError(w http.ResponseWriter, err error) {
	switch err {
	case ErrSubscriptionNotFound:
		s.writeError(w, http.StatusNotFound, "subscription not found", err)
	case ErrDuplicateSubscription:
		s.writeError(w, http.StatusConflict, "subscription already exists", err)
	case ErrEventBusShutdown:
		s.writeError(w, http.StatusServiceUnavailable, "event bus not running", err)
	default:
		if validationErr, ok := err.(*ValidationError); ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("validation error: %s", validationErr.Message), err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}
