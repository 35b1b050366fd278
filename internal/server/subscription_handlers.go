package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/fxsignal/internal/apperr"
	"github.com/aristath/fxsignal/internal/domain"
)

type subscribeRequest struct {
	Pair             string   `json:"pair"`
	Timeframe        string   `json:"timeframe"`
	SubscriberKind   string   `json:"subscriber_kind"`
	PlatformIdentity string   `json:"platform_identity"`
	AllowedActions   []string `json:"allowed_actions"`
	MinConfidence    float64  `json:"min_confidence"`
	StrongOnly       bool     `json:"strong_only"`
}

// handleSubscriptionCreate implements POST /subscriptions (spec §6.1
// subscribe(pair, timeframe?, filter?)).
func (s *Server) handleSubscriptionCreate(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Pair == "" {
		writeError(w, apperr.New(apperr.Validation, "pair is required"))
		return
	}
	timeframe := domain.Timeframe(req.Timeframe)
	if req.Timeframe == "" {
		timeframe = domain.Timeframe1Hour
	} else if !timeframe.Valid() {
		writeError(w, apperr.New(apperr.Validation, "unknown timeframe "+req.Timeframe))
		return
	}

	kind := domain.SubscriberKind(req.SubscriberKind)
	if kind == "" {
		kind = domain.SubscriberWebhook
	}
	platformIdentity := req.PlatformIdentity
	if platformIdentity == "" {
		identity, _ := identityFromContext(r.Context())
		platformIdentity = identity.Subject
	}

	subscriber, err := s.cfg.Registry.ResolveSubscriber(r.Context(), kind, platformIdentity, domain.SubscriberPreferences{})
	if err != nil {
		writeError(w, err)
		return
	}

	actions := make([]domain.Action, 0, len(req.AllowedActions))
	for _, a := range req.AllowedActions {
		actions = append(actions, domain.Action(a))
	}
	filter := domain.Filter{
		AllowedActions: actions,
		MinConfidence:  req.MinConfidence,
		StrongOnly:     req.StrongOnly,
	}

	sub, err := s.cfg.Registry.Subscribe(r.Context(), subscriber.ID, domain.Instrument{Pair: req.Pair, Timeframe: timeframe}, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleSubscriptionDelete implements DELETE /subscriptions/:id (spec §6.1
// unsubscribe(pair?)): id names the subscriber, the optional pair query param
// narrows to one instrument.
func (s *Server) handleSubscriptionDelete(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "id")

	var inst *domain.Instrument
	if pair := r.URL.Query().Get("pair"); pair != "" {
		timeframe := domain.Timeframe(r.URL.Query().Get("timeframe"))
		if timeframe == "" {
			timeframe = domain.Timeframe1Hour
		}
		inst = &domain.Instrument{Pair: pair, Timeframe: timeframe}
	}

	if err := s.cfg.Registry.Unsubscribe(r.Context(), subscriberID, inst); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

// handleSubscriptionsForUser implements GET /subscriptions/user/:id (spec
// §6.1 subscriptions()).
func (s *Server) handleSubscriptionsForUser(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "id")
	subs, err := s.cfg.Registry.List(r.Context(), subscriberID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}
