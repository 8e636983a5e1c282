package services

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"

	"yolocam/internal/auth"
	"yolocam/internal/database"
	"yolocam/internal/middleware"
	"yolocam/internal/pipeline"
)

// Mount describes one mounted route, logged at startup
type Mount struct {
	Method  string
	Verb    string
	Pattern string
}

// HTTPServer exposes the control surface, the output window and the
// websocket streams.
type HTTPServer struct {
	control       *Control
	authenticator *auth.Authenticator
	window        WindowHandler
	video         http.Handler
	detections    http.Handler
	logger        *zap.Logger

	Mounts []*Mount
}

// WindowHandler serves the output window over HTTP
type WindowHandler interface {
	http.Handler
	ServeSnapshot(w http.ResponseWriter, r *http.Request)
}

// NewHTTPServer creates the HTTP layer. video and detections are the
// websocket handlers for frames and detection payloads.
func NewHTTPServer(control *Control, authenticator *auth.Authenticator, window WindowHandler, video, detections http.Handler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		control:       control,
		authenticator: authenticator,
		window:        window,
		video:         video,
		detections:    detections,
		logger:        logger.Named("http"),
	}
}

// Mount configures the mux to serve every endpoint
func (s *HTTPServer) Mount(mux goahttp.Muxer) {
	s.handle(mux, "Healthz", "GET", "/healthz", s.healthz)
	s.handle(mux, "Readyz", "GET", "/readyz", s.readyz)
	s.handle(mux, "Status", "GET", "/api/status", s.status)
	s.handle(mux, "Configure", "POST", "/api/worker", s.configure)
	s.handle(mux, "Orientation", "POST", "/api/orientation", s.setOrientation)
	s.handle(mux, "OpenCamera", "POST", "/api/camera/open", s.openCamera)
	s.handle(mux, "CloseCamera", "POST", "/api/camera/close", s.closeCamera)
	s.handle(mux, "Reloads", "GET", "/api/reloads", s.reloads)
	s.handle(mux, "Login", "POST", "/api/auth/login", s.login)
	s.handle(mux, "AuthStatus", "GET", "/api/auth/status", s.authStatus)
	s.handle(mux, "GetScript", "GET", "/api/script", s.getScript)
	s.handle(mux, "SaveScript", "POST", "/api/script", s.saveScript)
	s.handle(mux, "RunScript", "POST", "/api/script/run", s.runScript)
	s.handle(mux, "StopScript", "POST", "/api/script/stop", s.stopScript)
	s.handle(mux, "ScriptStatus", "GET", "/api/script/status", s.scriptStatus)
	s.handle(mux, "Broadcast", "POST", "/api/broadcast", s.broadcast)
	if s.window != nil {
		s.handle(mux, "Video", "GET", "/stream/video", s.window.ServeHTTP)
		s.handle(mux, "Snapshot", "GET", "/stream/snapshot", s.window.ServeSnapshot)
	}
	if s.video != nil {
		s.handle(mux, "VideoSocket", "GET", "/ws/video", s.video.ServeHTTP)
	}
	if s.detections != nil {
		s.handle(mux, "Detections", "GET", "/ws/detections", s.detections.ServeHTTP)
	}
}

func (s *HTTPServer) handle(mux goahttp.Muxer, method, verb, pattern string, h http.HandlerFunc) {
	mux.Handle(verb, pattern, h)
	s.Mounts = append(s.Mounts, &Mount{Method: method, Verb: verb, Pattern: pattern})
}

// PublicPaths lists the /api routes reachable without a token
func PublicPaths() []string {
	return []string{"/api/auth/login", "/api/auth/status"}
}

type errorBody struct {
	Error string `json:"error"`
}

func encode(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	_ = enc.Encode(v)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	encode(ctx, w, status, &errorBody{Error: msg})
}

func decode(r *http.Request, v interface{}) error {
	return goahttp.RequestDecoder(r).Decode(v)
}

func (s *HTTPServer) healthz(w http.ResponseWriter, r *http.Request) {
	encode(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) readyz(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.control.workers.Active(); !ok {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "no worker loaded")
		return
	}
	encode(r.Context(), w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) status(w http.ResponseWriter, r *http.Request) {
	encode(r.Context(), w, http.StatusOK, s.control.Status())
}

type configureRequest struct {
	Task    *int `json:"task"`
	Model   *int `json:"model"`
	Backend *int `json:"backend"`
}

func (s *HTTPServer) configure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := decode(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Task == nil || req.Model == nil || req.Backend == nil {
		writeError(r.Context(), w, http.StatusBadRequest, "task, model and backend are required")
		return
	}

	event, err := s.control.ConfigureWorker(*req.Task, *req.Model, *req.Backend)
	if err != nil {
		var cfgErr *pipeline.ConfigError
		var backendErr *pipeline.BackendInitError
		switch {
		case errors.As(err, &cfgErr):
			writeError(r.Context(), w, http.StatusBadRequest, err.Error())
		case errors.As(err, &backendErr):
			writeError(r.Context(), w, http.StatusBadGateway, err.Error())
		default:
			writeError(r.Context(), w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	encode(r.Context(), w, http.StatusOK, event)
}

type orientationRequest struct {
	Degrees int `json:"degrees"`
}

type orientationResponse struct {
	Applied bool `json:"applied"`
	Degrees int  `json:"degrees"`
}

func (s *HTTPServer) setOrientation(w http.ResponseWriter, r *http.Request) {
	var req orientationRequest
	if err := decode(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body")
		return
	}
	applied := s.control.SetDisplayOrientation(req.Degrees)
	encode(r.Context(), w, http.StatusOK, &orientationResponse{
		Applied: applied,
		Degrees: s.control.orientation.Degrees(),
	})
}

type cameraRequest struct {
	Facing int `json:"facing"`
}

type resultResponse struct {
	OK bool `json:"ok"`
}

func (s *HTTPServer) openCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if err := decode(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.control.OpenCamera(req.Facing) {
		writeError(r.Context(), w, http.StatusBadRequest, "camera could not be opened")
		return
	}
	encode(r.Context(), w, http.StatusOK, &resultResponse{OK: true})
}

func (s *HTTPServer) closeCamera(w http.ResponseWriter, r *http.Request) {
	encode(r.Context(), w, http.StatusOK, &resultResponse{OK: s.control.CloseCamera()})
}

func (s *HTTPServer) reloads(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.control.RecentReloads(limit)
	if err != nil {
		s.logger.Error("list reloads failed", zap.Error(err))
		writeError(r.Context(), w, http.StatusInternalServerError, "failed to list reload events")
		return
	}
	if events == nil {
		events = []*database.ReloadEventRecord{}
	}
	encode(r.Context(), w, http.StatusOK, events)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *HTTPServer) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.authenticator.Authenticate(req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(r.Context(), w, http.StatusUnauthorized, "Invalid username or password")
		case errors.Is(err, auth.ErrAuthDisabled):
			writeError(r.Context(), w, http.StatusUnauthorized, "Authentication is disabled")
		default:
			writeError(r.Context(), w, http.StatusUnauthorized, err.Error())
		}
		return
	}
	encode(r.Context(), w, http.StatusOK, &loginResponse{
		Token:     session.Token,
		SessionID: session.ID,
		ExpiresAt: session.ExpiresAt.Unix(),
	})
}

type authStatusResponse struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	Username      *string `json:"username,omitempty"`
	SessionID     *string `json:"session_id,omitempty"`
}

func (s *HTTPServer) authStatus(w http.ResponseWriter, r *http.Request) {
	resp := &authStatusResponse{Enabled: s.authenticator.IsEnabled()}
	if claims := middleware.GetUserFromContext(r.Context()); claims != nil {
		username := claims.Username()
		resp.Authenticated = true
		resp.Username = &username
		resp.SessionID = &claims.ID
	}
	encode(r.Context(), w, http.StatusOK, resp)
}
