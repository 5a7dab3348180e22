package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flagwire/flagwire/evaluation"
	"github.com/flagwire/flagwire/internal/middleware"
	"github.com/flagwire/flagwire/internal/repository"
	"github.com/flagwire/flagwire/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	maxJSONBodyBytes          = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	onStreamOpen       func()
	onStreamClose      func()
}

// HandlerOption configures the HTTP handler.
type HandlerOption func(*HTTPServer)

// WithStreamGauge registers callbacks fired when an SSE stream starts and
// ends, typically wired to an active-stream gauge.
func WithStreamGauge(inc, dec func()) HandlerOption {
	return func(s *HTTPServer) {
		s.onStreamOpen = inc
		s.onStreamClose = dec
	}
}

type evaluateJSONRequest struct {
	Context evaluation.Context `json:"context"`

	// DefaultValue, when set, is served with an ERROR reason instead of a
	// 404 when the flag does not exist.
	DefaultValue json.RawMessage `json:"default_value,omitempty"`
}

type evaluateAllJSONResponse struct {
	Results map[string]evaluation.Result `json:"results"`
}

type createProjectJSONRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type createEnvironmentJSONRequest struct {
	Name string `json:"name"`
}

type createAPIKeyJSONRequest struct {
	Name string `json:"name,omitempty"`
}

type createAPIKeyJSONResponse struct {
	Token string `json:"token"`
}

func NewHTTPHandler(svc Service) http.Handler {
	return NewHTTPHandlerWithStreamPollInterval(svc, defaultStreamPollInterval)
}

func NewHTTPHandlerWithStreamPollInterval(svc Service, streamPollInterval time.Duration, opts ...HandlerOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultStreamPollInterval
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: streamPollInterval,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/projects", server.handleCreateProject)
	mux.HandleFunc("GET /v1/projects", server.handleListProjects)
	mux.HandleFunc("GET /v1/projects/{id}", server.handleGetProject)
	mux.HandleFunc("POST /v1/projects/{id}/environments", server.handleCreateEnvironment)
	mux.HandleFunc("GET /v1/projects/{id}/environments", server.handleListEnvironments)
	mux.HandleFunc("GET /v1/environments/{env}", scoped(server.handleGetEnvironment))

	mux.HandleFunc("POST /v1/environments/{env}/flags", scoped(server.handleCreateFlag))
	mux.HandleFunc("GET /v1/environments/{env}/flags", scoped(server.handleListFlags))
	mux.HandleFunc("GET /v1/environments/{env}/flags/{key}", scoped(server.handleGetFlag))
	mux.HandleFunc("PUT /v1/environments/{env}/flags/{key}", scoped(server.handleUpdateFlag))
	mux.HandleFunc("DELETE /v1/environments/{env}/flags/{key}", scoped(server.handleDeleteFlag))
	mux.HandleFunc("GET /v1/environments/{env}/flags/{key}/stats", scoped(server.handleFlagStats))

	mux.HandleFunc("POST /v1/environments/{env}/segments", scoped(server.handleCreateSegment))
	mux.HandleFunc("GET /v1/environments/{env}/segments", scoped(server.handleListSegments))
	mux.HandleFunc("GET /v1/environments/{env}/segments/{key}", scoped(server.handleGetSegment))
	mux.HandleFunc("PUT /v1/environments/{env}/segments/{key}", scoped(server.handleUpdateSegment))
	mux.HandleFunc("DELETE /v1/environments/{env}/segments/{key}", scoped(server.handleDeleteSegment))

	mux.HandleFunc("POST /v1/environments/{env}/keys", scoped(server.handleCreateAPIKey))
	mux.HandleFunc("GET /v1/environments/{env}/keys", scoped(server.handleListAPIKeys))
	mux.HandleFunc("DELETE /v1/environments/{env}/keys/{id}", scoped(server.handleDeleteAPIKey))

	mux.HandleFunc("POST /v1/environments/{env}/evaluate", scoped(server.handleEvaluateAll))
	mux.HandleFunc("POST /v1/environments/{env}/evaluate/{key}", scoped(server.handleEvaluate))
	mux.HandleFunc("GET /v1/environments/{env}/stream", scoped(server.handleStream))
	mux.HandleFunc("GET /v1/environments/{env}/audit-log", scoped(server.handleListAuditLog))
	mux.HandleFunc("GET /healthz", server.handleHealthz)

	return mux
}

func requestActor(r *http.Request) string {
	if keyID, ok := middleware.APIKeyIDFromContext(r.Context()); ok {
		return keyID
	}
	return "anonymous"
}

func environmentID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("env"))
}

// scoped rejects requests whose API key was issued for a different
// environment than the one in the path. Requests that carry no scope,
// such as internal calls that bypass the auth middleware, pass through.
func scoped(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if scope, ok := middleware.EnvironmentIDFromContext(r.Context()); ok && scope != environmentID(r) {
			writeJSONError(w, http.StatusForbidden, "api key is not authorized for this environment")
			return
		}
		next(w, r)
	}
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var request createProjectJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	project, err := s.service.CreateProject(r.Context(), request.Name, request.Description)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, project)
}

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, projects)
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.service.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, project)
}

func (s *HTTPServer) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var request createEnvironmentJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	environment, err := s.service.CreateEnvironment(r.Context(), r.PathValue("id"), request.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, environment)
}

func (s *HTTPServer) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	environments, err := s.service.ListEnvironments(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, environments)
}

func (s *HTTPServer) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	environment, err := s.service.GetEnvironment(r.Context(), environmentID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, environment)
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var flag repository.Flag
	if err := decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}
	flag.EnvironmentID = environmentID(r)

	created, err := s.service.CreateFlag(r.Context(), flag, requestActor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	flag, err := s.service.GetFlag(r.Context(), environmentID(r), r.PathValue("key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context(), environmentID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))

	var flag repository.Flag
	if err := decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) != "" && flag.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	flag.Key = key
	flag.EnvironmentID = environmentID(r)

	updated, err := s.service.UpdateFlag(r.Context(), flag, requestActor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteFlag(r.Context(), environmentID(r), r.PathValue("key"), requestActor(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleFlagStats(w http.ResponseWriter, r *http.Request) {
	window, err := parseStatsWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid window")
		return
	}

	counts, err := s.service.FlagStats(r.Context(), environmentID(r), r.PathValue("key"), window)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, counts)
}

func (s *HTTPServer) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	var segment repository.Segment
	if err := decodeJSONBody(w, r, &segment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(segment.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}
	segment.EnvironmentID = environmentID(r)

	created, err := s.service.CreateSegment(r.Context(), segment, requestActor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	segment, err := s.service.GetSegment(r.Context(), environmentID(r), r.PathValue("key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, segment)
}

func (s *HTTPServer) handleListSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := s.service.ListSegments(r.Context(), environmentID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, segments)
}

func (s *HTTPServer) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))

	var segment repository.Segment
	if err := decodeJSONBody(w, r, &segment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(segment.Key) != "" && segment.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	segment.Key = key
	segment.EnvironmentID = environmentID(r)

	updated, err := s.service.UpdateSegment(r.Context(), segment, requestActor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSegment(r.Context(), environmentID(r), r.PathValue("key"), requestActor(r)); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var request createAPIKeyJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	token, err := s.service.CreateAPIKey(r.Context(), environmentID(r), request.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createAPIKeyJSONResponse{Token: token})
}

func (s *HTTPServer) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.service.ListAPIKeys(r.Context(), environmentID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, keys)
}

func (s *HTTPServer) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteAPIKey(r.Context(), environmentID(r), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	result, err := s.service.Evaluate(r.Context(), environmentID(r), r.PathValue("key"), request.Context)
	if err != nil {
		if errors.Is(err, service.ErrFlagNotFound) && len(request.DefaultValue) > 0 {
			var value any
			if jsonErr := json.Unmarshal(request.DefaultValue, &value); jsonErr != nil {
				writeJSONError(w, http.StatusBadRequest, "default_value is not valid JSON")
				return
			}
			writeJSON(w, http.StatusOK, evaluation.Result{
				Value:  value,
				Reason: evaluation.ReasonError,
			})
			return
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	results, err := s.service.EvaluateAll(r.Context(), environmentID(r), request.Context)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluateAllJSONResponse{Results: results})
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	env := environmentID(r)
	currentEventID := lastEventID
	writeEvents := func(events []repository.FlagEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := s.service.ListEventsSince(r.Context(), env, currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.onStreamOpen != nil {
		s.onStreamOpen()
	}
	if s.onStreamClose != nil {
		defer s.onStreamClose()
	}

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := s.service.ListEventsSince(r.Context(), env, currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleListAuditLog(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseListParam(query.Get("limit"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := parseListParam(query.Get("offset"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	entries, err := s.service.ListAuditLog(r.Context(), environmentID(r), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func parseListParam(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid list parameter")
	}

	return parsed, nil
}

func parseStatsWindow(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	window, err := time.ParseDuration(value)
	if err != nil || window < 0 {
		return 0, errors.New("invalid window")
	}

	return window, nil
}

func toSSEEventName(eventType string) string {
	switch eventType {
	case repository.EventFlagCreated, repository.EventFlagUpdated:
		return "update"
	case repository.EventFlagDeleted:
		return "delete"
	case repository.EventSegmentsUpdated:
		return "segments"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidPayload),
		errors.Is(err, evaluation.ErrInvalidConfiguration),
		errors.Is(err, evaluation.ErrMissingContextKey):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagNotFound),
		errors.Is(err, service.ErrSegmentNotFound),
		errors.Is(err, service.ErrEnvironmentNotFound),
		errors.Is(err, service.ErrProjectNotFound),
		errors.Is(err, service.ErrAPIKeyNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrSegmentInUse):
		writeJSONError(w, http.StatusConflict, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidPayload):
		return "invalid payload"
	case errors.Is(err, evaluation.ErrInvalidConfiguration):
		return "invalid flag configuration"
	case errors.Is(err, evaluation.ErrMissingContextKey):
		return "context key is required"
	case errors.Is(err, service.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, service.ErrSegmentNotFound):
		return "segment not found"
	case errors.Is(err, service.ErrEnvironmentNotFound):
		return "environment not found"
	case errors.Is(err, service.ErrProjectNotFound):
		return "project not found"
	case errors.Is(err, service.ErrAPIKeyNotFound):
		return "api key not found"
	case errors.Is(err, service.ErrSegmentInUse):
		return "segment is in use"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
