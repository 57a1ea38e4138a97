// Package httpapi exposes the engine over HTTP. Handlers are thin: they parse
// input, pull the idempotency key out of the header, call a service, and map
// typed errors to status codes. Actor identity arrives pre-authenticated in
// the path.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperr "github.com/questforge/engine/internal/errors"

	"github.com/questforge/engine/internal/app"
	"github.com/questforge/engine/internal/config"
	"github.com/questforge/engine/internal/metrics"
	"github.com/questforge/engine/internal/services/economy"
	"github.com/questforge/engine/pkg/civil"
	"github.com/questforge/engine/pkg/logger"
)

const idempotencyHeader = "Idempotency-Key"

// Handler serves the engine's HTTP API.
type Handler struct {
	app *app.Application
	log *logger.Logger
	now func() time.Time
}

// New builds the router with all routes and middleware attached.
func New(application *app.Application, cfg config.ServerConfig, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &Handler{app: application, log: log, now: func() time.Time { return time.Now().UTC() }}

	r := chi.NewRouter()
	r.Use(metrics.InstrumentHandler)
	r.Use(actorRateLimit(cfg.RatePerSecond, cfg.RateBurst))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/catalog/boosts", h.handleBoostOffers)

	r.Route("/actors/{actorID}", func(r chi.Router) {
		r.Post("/sessions", h.handleStartSession)
		r.Get("/sessions/active", h.handleActiveSession)
		r.Post("/purchases/gems", h.handlePurchaseGems)
		r.Post("/purchases/boosts", h.handlePurchaseBoost)
		r.Get("/wallet", h.handleWallet)
		r.Get("/streak", h.handleStreak)
		r.Get("/boosts", h.handleBoosts)
		r.Get("/weekly-xp", h.handleWeeklyXP)
	})
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGetSession)
		r.Post("/complete", h.handleCompleteSession)
		r.Post("/abort", h.handleAbortSession)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startSessionRequest struct {
	MissionRef string `json:"missionRef"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	key, body, err := mutationInputs(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req startSessionRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, apperr.Validationf("malformed request body"))
			return
		}
	}

	res, err := h.app.Sessions.Start(r.Context(), actorID, req.MissionRef, key, body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyActive || res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res.Session)
}

func (h *Handler) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	key, body, err := mutationInputs(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.app.Sessions.Complete(r.Context(), sessionID, key, body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	key, body, err := mutationInputs(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	view, err := h.app.Sessions.Abort(r.Context(), sessionID, key, body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.app.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.app.Sessions.GetActive(r.Context(), chi.URLParam(r, "actorID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type purchaseGemsRequest struct {
	PackKey     string `json:"packKey"`
	CampaignKey string `json:"campaignKey"`
}

func (h *Handler) handlePurchaseGems(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	key, body, err := mutationInputs(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req purchaseGemsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, apperr.Validationf("malformed request body"))
		return
	}

	res, err := h.app.Economy.PurchaseGems(r.Context(), actorID, req.PackKey, req.CampaignKey, key, body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type purchaseBoostRequest struct {
	BoostKey string `json:"boostKey"`
}

func (h *Handler) handlePurchaseBoost(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	key, body, err := mutationInputs(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req purchaseBoostRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, apperr.Validationf("malformed request body"))
		return
	}

	res, err := h.app.Economy.PurchaseBoost(r.Context(), actorID, req.BoostKey, key, body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleWallet(w http.ResponseWriter, r *http.Request) {
	wlt, err := h.app.Wallet.Get(r.Context(), chi.URLParam(r, "actorID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actorId": wlt.ActorID,
		"coins":   wlt.Coins,
		"gems":    wlt.Gems,
		"xp":      wlt.XP,
	})
}

func (h *Handler) handleStreak(w http.ResponseWriter, r *http.Request) {
	st, err := h.app.Streaks.Get(r.Context(), chi.URLParam(r, "actorID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := map[string]any{"actorId": st.ActorID, "current": st.Current}
	if !st.LastActiveDate.IsZero() {
		resp["lastActiveDate"] = st.LastActiveDate.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBoosts(w http.ResponseWriter, r *http.Request) {
	grants, err := h.app.Boosts.ListActive(r.Context(), chi.URLParam(r, "actorID"), h.now())
	if err != nil {
		h.writeError(w, err)
		return
	}
	type grantView struct {
		Key              string     `json:"key"`
		ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
		ChargesRemaining *int       `json:"chargesRemaining,omitempty"`
	}
	views := make([]grantView, 0, len(grants))
	for _, g := range grants {
		views = append(views, grantView{Key: g.Key, ExpiresAt: g.ExpiresAt, ChargesRemaining: g.ChargesRemaining})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleBoostOffers lists the purchasable boosts and their gem prices.
func (h *Handler) handleBoostOffers(w http.ResponseWriter, r *http.Request) {
	type offerView struct {
		Key           string `json:"key"`
		CostGems      int64  `json:"costGems"`
		DurationHours int    `json:"durationHours,omitempty"`
		Charges       int    `json:"charges,omitempty"`
	}
	offers := economy.Offers()
	views := make([]offerView, 0, len(offers))
	for _, o := range offers {
		views = append(views, offerView{
			Key:           o.Key,
			CostGems:      o.CostGems,
			DurationHours: int(o.Duration.Hours()),
			Charges:       o.Charges,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleWeeklyXP serves the weekly series with an ETag derived from the
// content fingerprint, honouring If-None-Match.
func (h *Handler) handleWeeklyXP(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")

	to := civil.DateOf(h.now(), h.app.Anchor)
	from := to.AddDays(-7 * 7) // default window: the last eight weeks
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = civil.Parse(raw); err != nil {
			h.writeError(w, apperr.Validationf("invalid from date %q", raw))
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = civil.Parse(raw); err != nil {
			h.writeError(w, apperr.Validationf("invalid to date %q", raw))
			return
		}
	}

	series, err := h.app.Weekly.GetWeeklyXP(r.Context(), actorID, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}

	etag := `"` + series.Fingerprint + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, series)
}

// mutationInputs extracts the idempotency key and body of a mutating request.
func mutationInputs(r *http.Request) (string, []byte, error) {
	key := r.Header.Get(idempotencyHeader)
	if key == "" {
		return "", nil, apperr.Validationf("missing %s header", idempotencyHeader)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, apperr.Validationf("unreadable request body")
	}
	return key, body, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		h.log.WithError(err).Error("unclassified handler error")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]string{"kind": "internal", "message": "internal error"},
		})
		return
	}
	if e.Kind == apperr.KindStorage {
		h.log.WithError(err).Error("storage failure")
	}
	writeJSON(w, e.HTTPStatus(), map[string]any{
		"error": map[string]string{"kind": e.Kind.String(), "message": e.Message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
