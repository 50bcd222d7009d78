// Package web serves the JSON API used by the slot management UI and by
// the cron trigger.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/example/suaps-autoresa/internal/cardcode"
	"github.com/example/suaps-autoresa/internal/occurrence"
	"github.com/example/suaps-autoresa/internal/scheduler"
	"github.com/example/suaps-autoresa/internal/slots"
	"github.com/example/suaps-autoresa/internal/suaps"
)

type SlotStore interface {
	ForUser(ctx context.Context, userID string) ([]slots.Slot, error)
	Get(ctx context.Context, id string) (slots.Slot, error)
	Create(ctx context.Context, s slots.Slot) (slots.Slot, error)
	Update(ctx context.Context, id string, u slots.Update) error
	Delete(ctx context.Context, id string) error
	LogsForUser(ctx context.Context, userID string, limit int) ([]slots.AttemptLog, error)
}

type Authenticator interface {
	Login(ctx context.Context, rawCode string) (suaps.Session, suaps.Profile, error)
}

type Runner interface {
	RunBatch(ctx context.Context) (scheduler.Summary, error)
	CheckAvailability(ctx context.Context, userFilter string) (scheduler.Report, error)
}

type Server struct {
	Slots       SlotStore
	Auth        Authenticator
	Runner      Runner
	Sessions    *Sessions
	RunSecret   string
	CORSOrigins []string
	Log         *zap.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.Sessions.Require)
			r.Get("/slots", s.handleListSlots)
			r.Post("/slots", s.handleCreateSlot)
			r.Patch("/slots/{id}", s.handleUpdateSlot)
			r.Delete("/slots/{id}", s.handleDeleteSlot)
			r.Get("/history", s.handleHistory)
		})

		r.Post("/runs/batch", s.handleRunBatch)
		r.Get("/runs/availability", s.handleAvailability)
		r.Post("/runs/availability", s.handleAvailability)
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type loginRequest struct {
	CardCode string `json:"codeCarte"`
}

type userView struct {
	ID        string `json:"id"`
	LastName  string `json:"nom"`
	FirstName string `json:"prenom"`
	Email     string `json:"email,omitempty"`
	Card      string `json:"codeCarte"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	code, err := cardcode.Normalize(req.CardCode)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	_, profile, err := s.Auth.Login(r.Context(), code)
	if err != nil {
		var ne *suaps.NetworkError
		if errors.As(err, &ne) {
			writeError(w, http.StatusBadGateway, "SUAPS unreachable", codeUpstream)
			return
		}
		s.Log.Info("login rejected", zap.String("card", cardcode.Mask(code)), zap.Error(err))
		unauthorized(w, "card code rejected by SUAPS")
		return
	}
	if profile.Fallback {
		// the fallback carries the card tag, not the SUAPS individual id
		s.Log.Warn("profile unavailable, refusing session", zap.String("card", cardcode.Mask(code)))
		writeError(w, http.StatusBadGateway, "SUAPS profile unavailable", codeUpstream)
		return
	}

	sess := Session{UserID: profile.Code, CardCode: code}
	if err := s.Sessions.Set(w, r, sess); err != nil {
		internalError(w, "failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": userView{
		ID:        profile.Code,
		LastName:  profile.LastName,
		FirstName: profile.FirstName,
		Email:     profile.Email,
		Card:      cardcode.Display(code),
	}})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

type slotView struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	Card          string         `json:"codeCarte"`
	ActivityID    string         `json:"activiteId"`
	SlotID        string         `json:"creneauId"`
	Weekday       string         `json:"jour"`
	StartTime     string         `json:"horaireDebut"`
	EndTime       string         `json:"horaireFin"`
	Snapshot      slots.Snapshot `json:"snapshot"`
	Active        bool           `json:"actif"`
	Options       slots.Options  `json:"options"`
	Attempts      int            `json:"nbTentatives"`
	Successes     int            `json:"nbReussites"`
	CreatedAt     time.Time      `json:"dateCreation"`
	LastAttemptAt *time.Time     `json:"derniereTentative,omitempty"`
	LastSuccessAt *time.Time     `json:"derniereReservation,omitempty"`
}

func viewSlot(sl slots.Slot) slotView {
	return slotView{
		ID:            sl.ID,
		UserID:        sl.UserID,
		Card:          cardcode.Mask(sl.CardCode),
		ActivityID:    sl.ActivityID,
		SlotID:        sl.SlotID,
		Weekday:       sl.Weekday,
		StartTime:     sl.StartTime,
		EndTime:       sl.EndTime,
		Snapshot:      sl.Snapshot,
		Active:        sl.Active,
		Options:       sl.Options,
		Attempts:      sl.Attempts,
		Successes:     sl.Successes,
		CreatedAt:     sl.CreatedAt,
		LastAttemptAt: sl.LastAttemptAt,
		LastSuccessAt: sl.LastSuccessAt,
	}
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	list, err := s.Slots.ForUser(r.Context(), sess.UserID)
	if err != nil {
		s.Log.Error("list slots failed", zap.Error(err))
		internalError(w, "failed to list slots")
		return
	}
	out := make([]slotView, 0, len(list))
	for _, sl := range list {
		out = append(out, viewSlot(sl))
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": out})
}

type createSlotRequest struct {
	ActivityID   string          `json:"activiteId"`
	SlotID       string          `json:"creneauId"`
	Weekday      string          `json:"jour"`
	StartTime    string          `json:"horaireDebut"`
	EndTime      string          `json:"horaireFin"`
	ActivityName string          `json:"activiteNom"`
	Quota        int             `json:"quota"`
	Location     *slots.Location `json:"localisation"`
	Options      *slots.Options  `json:"options"`
}

func (s *Server) handleCreateSlot(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	var req createSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	sl := slots.Slot{
		UserID:     sess.UserID,
		CardCode:   sess.CardCode,
		ActivityID: strings.TrimSpace(req.ActivityID),
		SlotID:     strings.TrimSpace(req.SlotID),
		Weekday:    occurrence.CanonicalDay(req.Weekday),
		StartTime:  strings.TrimSpace(req.StartTime),
		EndTime:    strings.TrimSpace(req.EndTime),
		Snapshot: slots.Snapshot{
			ActivityName:       req.ActivityName,
			Quota:              req.Quota,
			AnnualRegistration: true,
		},
		Active:  true,
		Options: slots.DefaultOptions(),
	}
	if req.Location != nil {
		sl.Snapshot.Location = *req.Location
	}
	if req.Options != nil {
		sl.Options = *req.Options
	}
	if err := sl.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}

	created, err := s.Slots.Create(r.Context(), sl)
	switch {
	case errors.Is(err, slots.ErrDuplicate):
		conflict(w, err.Error())
		return
	case err != nil:
		s.Log.Error("create slot failed", zap.Error(err))
		internalError(w, "failed to create slot")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"slot": viewSlot(created)})
}

// ownedSlot loads the {id} slot and checks it belongs to the session user.
func (s *Server) ownedSlot(w http.ResponseWriter, r *http.Request) (slots.Slot, bool) {
	sess, _ := sessionFrom(r.Context())
	sl, err := s.Slots.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, slots.ErrNotFound):
		notFound(w, "slot not found")
		return slots.Slot{}, false
	case err != nil:
		s.Log.Error("get slot failed", zap.Error(err))
		internalError(w, "failed to load slot")
		return slots.Slot{}, false
	case sl.UserID != sess.UserID:
		forbidden(w, "slot belongs to another user")
		return slots.Slot{}, false
	}
	return sl, true
}

type updateSlotRequest struct {
	Active  *bool          `json:"actif"`
	Options *slots.Options `json:"options"`
}

func (s *Server) handleUpdateSlot(w http.ResponseWriter, r *http.Request) {
	sl, ok := s.ownedSlot(w, r)
	if !ok {
		return
	}
	var req updateSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.Active == nil && req.Options == nil {
		badRequest(w, "nothing to update")
		return
	}
	if err := s.Slots.Update(r.Context(), sl.ID, slots.Update{Active: req.Active, Options: req.Options}); err != nil {
		if errors.Is(err, slots.ErrDuplicate) {
			conflict(w, err.Error())
			return
		}
		s.Log.Error("update slot failed", zap.Error(err))
		internalError(w, "failed to update slot")
		return
	}
	if req.Active != nil {
		sl.Active = *req.Active
	}
	if req.Options != nil {
		sl.Options = *req.Options
	}
	writeJSON(w, http.StatusOK, map[string]any{"slot": viewSlot(sl)})
}

func (s *Server) handleDeleteSlot(w http.ResponseWriter, r *http.Request) {
	sl, ok := s.ownedSlot(w, r)
	if !ok {
		return
	}
	if err := s.Slots.Delete(r.Context(), sl.ID); err != nil && !errors.Is(err, slots.ErrNotFound) {
		s.Log.Error("delete slot failed", zap.Error(err))
		internalError(w, "failed to delete slot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type logView struct {
	ID        string          `json:"id"`
	SlotRef   string          `json:"creneauAutoId"`
	Timestamp time.Time       `json:"timestamp"`
	Outcome   slots.Outcome   `json:"statut"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			badRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	logs, err := s.Slots.LogsForUser(r.Context(), sess.UserID, limit)
	if err != nil {
		s.Log.Error("history failed", zap.Error(err))
		internalError(w, "failed to load history")
		return
	}
	out := make([]logView, 0, len(logs))
	for _, l := range logs {
		out = append(out, logView{
			ID:        l.ID,
			SlotRef:   l.SlotRef,
			Timestamp: l.Timestamp,
			Outcome:   l.Outcome,
			Message:   l.Message,
			Details:   l.Details,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	if !bearer(r, s.RunSecret) {
		unauthorized(w, "invalid run secret")
		return
	}
	sum, err := s.Runner.RunBatch(r.Context())
	if err != nil {
		s.Log.Error("batch failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
			"code":    codeInternalError,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"summary": sum,
	})
}

// handleAvailability accepts either the run secret, which may check any
// user, or a session, which is limited to its own slots.
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("userId")
	if !bearer(r, s.RunSecret) {
		sess, ok := s.Sessions.Get(r)
		if !ok {
			unauthorized(w, "not authenticated")
			return
		}
		filter = sess.UserID
	}
	detailed := r.URL.Query().Get("detailed") == "true"

	rep, err := s.Runner.CheckAvailability(r.Context(), filter)
	if err != nil {
		s.Log.Error("availability check failed", zap.Error(err))
		internalError(w, "availability check failed")
		return
	}
	out := map[string]any{
		"success":   true,
		"message":   rep.Message(),
		"stats":     stats(rep),
		"duration":  rep.Duration.Milliseconds(),
		"timestamp": rep.CheckedAt,
	}
	if detailed {
		out["results"] = rep.Items
	} else {
		open := rep.OpenItems()
		if open == nil {
			open = []scheduler.Item{}
		}
		out["availableSlots"] = open
	}
	writeJSON(w, http.StatusOK, out)
}

func stats(r scheduler.Report) map[string]int {
	return map[string]int{
		"total":             r.Total,
		"available":         r.Available,
		"alreadyRegistered": r.AlreadyRegistered,
		"errors":            r.Errors,
	}
}

// Start serves h on addr until ctx is done.
func Start(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
