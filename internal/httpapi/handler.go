// Package httpapi exposes the alarm editing surface over REST.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"memoalarm/internal/alarm"
	logx "memoalarm/pkg/logx"
)

const (
	maxHistoryPage = 100
	maxMemoPage    = 100
)

// Handler serves the REST routes over an alarm.Service.
type Handler struct {
	svc    *alarm.Service
	log    logx.Logger
	health func() any
}

// NewHandler builds the route handler. health, when set, is rendered as JSON
// at /healthz.
func NewHandler(svc *alarm.Service, log logx.Logger, health func() any) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{svc: svc, log: log, health: health}
}

// Routes returns the router. token guards /api and /debug when non-empty;
// pprof mounts the profiler under /debug.
func (h *Handler) Routes(token string, pprof bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))

		r.Route("/api", func(r chi.Router) {
			r.Post("/memos", h.createMemo)
			r.Get("/memos", h.listMemos)
			r.Get("/memos/{memoID}", h.getMemo)
			r.Patch("/memos/{memoID}", h.updateMemo)
			r.Delete("/memos/{memoID}", h.deleteMemo)
			r.Put("/memos/{memoID}/alarm", h.upsertAlarm)

			r.Get("/alarms/{alarmID}", h.getAlarm)
			r.Delete("/alarms/{alarmID}", h.deleteAlarm)
			r.Post("/alarms/{alarmID}/toggle", h.toggleAlarm)
			r.Get("/alarms/{alarmID}/history", h.history)
		})

		if pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, h.health())
}

func (h *Handler) createMemo(w http.ResponseWriter, r *http.Request) {
	var req memoRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	memo, err := h.svc.CreateMemo(r.Context(), alarm.Memo{
		Title:       req.Title,
		Description: req.Description,
		Recipient:   alarm.Recipient{TelegramChatID: req.TelegramChatID, Email: req.Email},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, memo)
}

func (h *Handler) getMemo(w http.ResponseWriter, r *http.Request) {
	memo, err := h.svc.GetMemo(r.Context(), chi.URLParam(r, "memoID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memo)
}

func (h *Handler) listMemos(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := page(r, maxMemoPage, maxMemoPage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items, err := h.svc.ListMemos(r.Context(), skip, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []alarm.Memo{}
	}
	writeJSON(w, http.StatusOK, memoListResponse{Items: items, Skip: skip, Limit: limit})
}

func (h *Handler) updateMemo(w http.ResponseWriter, r *http.Request) {
	var req memoPatchRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	memo, err := h.svc.UpdateMemo(r.Context(), chi.URLParam(r, "memoID"), alarm.MemoPatch{
		Title:          req.Title,
		Description:    req.Description,
		TelegramChatID: req.TelegramChatID,
		Email:          req.Email,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memo)
}

func (h *Handler) deleteMemo(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteMemo(r.Context(), chi.URLParam(r, "memoID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) upsertAlarm(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rule, err := req.rule()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	enabled := req.Enabled == nil || *req.Enabled
	rec, err := h.svc.UpsertAlarm(r.Context(), chi.URLParam(r, "memoID"), rule, enabled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) getAlarm(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetAlarm(r.Context(), chi.URLParam(r, "alarmID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) deleteAlarm(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteAlarm(r.Context(), chi.URLParam(r, "alarmID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) toggleAlarm(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "enabled is required"})
		return
	}
	rec, err := h.svc.ToggleAlarm(r.Context(), chi.URLParam(r, "alarmID"), *req.Enabled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := page(r, 20, maxHistoryPage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items, err := h.svc.History(r.Context(), chi.URLParam(r, "alarmID"), skip, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []alarm.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Items: items, Skip: skip, Limit: limit})
}

// page reads ?skip= and ?limit=. A zero or oversized limit becomes maxLimit.
func page(r *http.Request, defLimit, maxLimit int) (skip, limit int, err error) {
	q := r.URL.Query()
	skip, err1 := queryInt(q.Get("skip"), 0)
	limit, err2 := queryInt(q.Get("limit"), defLimit)
	if err := errors.Join(err1, err2); err != nil {
		return 0, 0, err
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	return skip, limit, nil
}

func queryInt(v string, def int) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errBadRequest
	}
	return n, nil
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, alarm.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, alarm.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, alarm.ErrClaimConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.log.Error("http.request_failed", logx.String("path", r.URL.Path), logx.String("req_id", middleware.GetReqID(r.Context())), logx.Err(err))
		msg = http.StatusText(code)
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("http.request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if tokenEqual(got, tok) {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenEqual(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
}
