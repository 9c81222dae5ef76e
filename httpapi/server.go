// Package httpapi exposes the notification and conversion subsystems over
// HTTP. Routing is hand-rolled on net/http; handlers translate domain errors
// into the status taxonomy and never leak internal failures to callers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"prospectflow/conversion"
	"prospectflow/identity"
	"prospectflow/notification"
	"prospectflow/stream"
)

// Ingester is the gateway surface the server needs.
type Ingester interface {
	Ingest(ctx context.Context, req notification.IngestRequest, apiKey string) (notification.Notification, error)
}

// LockService is the conversion lock surface the server needs.
type LockService interface {
	TryAcquire(ctx context.Context, cibleID, typeAction string, payload map[string]any) (conversion.Lock, error)
	Release(ctx context.Context, lockID string, outcome conversion.StatutAction) (conversion.Lock, error)
	Status(ctx context.Context, cibleID, typeAction string) (conversion.Status, error)
}

// TokenVerifier authenticates principals connecting on their own behalf.
type TokenVerifier interface {
	Verify(token string) (identity.Principal, error)
}

type ServerConfig struct {
	Heartbeat time.Duration
}

type Server struct {
	ingest   Ingester
	store    notification.Repository
	locks    LockService
	registry *stream.Registry
	verifier TokenVerifier
	cfg      ServerConfig
}

func NewServer(ingest Ingester, store notification.Repository, locks LockService, registry *stream.Registry, verifier TokenVerifier, cfg ServerConfig) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	return &Server{
		ingest:   ingest,
		store:    store,
		locks:    locks,
		registry: registry,
		verifier: verifier,
		cfg:      cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "notifications" && parts[1] == "ingest" && r.Method == http.MethodPost:
		s.handleIngest(w, r)
	case len(parts) == 2 && parts[0] == "notifications" && parts[1] == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r)
	case len(parts) == 1 && parts[0] == "notifications" && r.Method == http.MethodGet:
		s.handleListNotifications(w, r)
	case len(parts) == 3 && parts[0] == "notifications" && parts[2] == "read" && r.Method == http.MethodPost:
		s.handleMarkRead(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "notifications" && parts[2] == "archive" && r.Method == http.MethodPost:
		s.handleArchive(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "conversions" && parts[2] == "status" && r.Method == http.MethodGet:
		s.handleConversionStatus(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "conversions" && parts[2] == "acquire" && r.Method == http.MethodPost:
		s.handleConversionAcquire(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "conversions" && parts[2] == "release" && r.Method == http.MethodPost:
		s.handleConversionRelease(w, r, parts[1])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req notification.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json body")
		return
	}

	n, err := s.ingest.Ingest(r.Context(), req, r.Header.Get("X-API-Key"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toNotificationView(n))
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.resolvePrincipal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid principal")
		return
	}

	q := r.URL.Query()
	filter := notification.ListFilter{
		Audiences:       notification.AllowedAudiences(principal.Role, principal.UserID),
		Categorie:       q.Get("categorie"),
		NonLues:         q.Get("nonLues") == "true",
		Recherche:       q.Get("q"),
		OrderByPriority: q.Get("ordre") == "priorite",
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}

	list, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	counts, err := s.store.CountByState(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	views := make([]notificationView, 0, len(list))
	for _, n := range list {
		views = append(views, toNotificationView(n))
	}
	writeJSON(w, http.StatusOK, listResponse{
		Notifications: views,
		Counts:        countsView{Total: counts.Total, NonLues: counts.NonLues},
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, id string) {
	if !s.authorizeFlagChange(w, r, id) {
		return
	}
	if err := s.store.MarkRead(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"lue": true})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, id string) {
	if !s.authorizeFlagChange(w, r, id) {
		return
	}
	if err := s.store.Archive(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archivee": true})
}

// authorizeFlagChange gates the recipient-side flag mutations with the same
// audience discipline as the list path. Rows outside the caller's audience
// read as absent rather than forbidden, so ids cannot be probed. Replies on
// failure and reports whether the mutation may proceed.
func (s *Server) authorizeFlagChange(w http.ResponseWriter, r *http.Request, id string) bool {
	principal, ok := s.resolvePrincipal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid principal")
		return false
	}

	n, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return false
	}

	allowed := notification.AllowedAudiences(principal.Role, principal.UserID)
	if !notification.VisibleTo(allowed, n.Audience) {
		writeError(w, http.StatusNotFound, "not_found", notification.ErrNotFound.Error())
		return false
	}
	return true
}

func (s *Server) handleConversionStatus(w http.ResponseWriter, r *http.Request, cibleID string) {
	typeAction := r.URL.Query().Get("typeAction")
	status, err := s.locks.Status(r.Context(), cibleID, typeAction)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView{
		EnCours: status.EnCours,
		Since:   status.Since,
		Payload: status.Payload,
	})
}

func (s *Server) handleConversionAcquire(w http.ResponseWriter, r *http.Request, cibleID string) {
	var body struct {
		TypeAction string         `json:"typeAction"`
		Payload    map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json body")
		return
	}

	lock, err := s.locks.TryAcquire(r.Context(), cibleID, body.TypeAction, body.Payload)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLockView(lock))
}

func (s *Server) handleConversionRelease(w http.ResponseWriter, r *http.Request, cibleID string) {
	var body struct {
		LockID       string                      `json:"lockId"`
		Outcome      conversion.StatutAction     `json:"outcome"`
		Notification *notification.IngestRequest `json:"notification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json body")
		return
	}

	lock, err := s.locks.Release(r.Context(), body.LockID, body.Outcome)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	// Workflows may report completion through the gateway in the same call;
	// the ingest path keeps its own credential check.
	if body.Notification != nil {
		if _, err := s.ingest.Ingest(r.Context(), *body.Notification, r.Header.Get("X-API-Key")); err != nil {
			log.Printf("httpapi: completion notification for %s rejected: %v", cibleID, err)
		}
	}

	writeJSON(w, http.StatusOK, toLockView(lock))
}

// handleStream is the long-lived server-to-client event channel: one SSE
// stream per connecting principal, heartbeats on idle, closed by either side.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.resolvePrincipal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid principal")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	sub := s.registry.Subscribe(principal.Role, principal.UserID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(toNotificationView(n))
			if err != nil {
				log.Printf("httpapi: encode stream event: %v", err)
				continue
			}
			if _, err := w.Write([]byte("event: notification\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte("event: heartbeat\ndata: {}\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resolvePrincipal prefers the identity token; the role/userId query pair is
// honoured for trusted internal callers that proxy the role themselves.
func (s *Server) resolvePrincipal(r *http.Request) (identity.Principal, bool) {
	if token := bearerToken(r); token != "" && s.verifier != nil {
		principal, err := s.verifier.Verify(token)
		if err != nil {
			return identity.Principal{}, false
		}
		return principal, true
	}

	role := r.URL.Query().Get("role")
	if role == "" {
		return identity.Principal{}, false
	}
	return identity.Principal{
		UserID: r.URL.Query().Get("userId"),
		Role:   notification.Role(role),
	}, true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// EventSource clients cannot set headers.
	return r.URL.Query().Get("token")
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var validation *notification.ValidationError
	if errors.As(err, &validation) {
		writeError(w, http.StatusBadRequest, "validation_error", validation.Error())
		return
	}
	var lockValidation *conversion.ValidationError
	if errors.As(err, &lockValidation) {
		writeError(w, http.StatusBadRequest, "validation_error", lockValidation.Error())
		return
	}
	var busy *conversion.BusyError
	if errors.As(err, &busy) {
		writeJSON(w, http.StatusConflict, busyView{
			Code:           "busy",
			Message:        busy.Error(),
			Since:          busy.Since,
			ElapsedSeconds: int(busy.Elapsed.Seconds()),
			Payload:        busy.Payload,
		})
		return
	}
	switch {
	case errors.Is(err, notification.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, notification.ErrNotFound), errors.Is(err, conversion.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		log.Printf("httpapi: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorView{Code: code, Message: message})
}
