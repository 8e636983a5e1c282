package services

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"yolocam/internal/script"
)

const maxBroadcastBytes = 64 << 10

type scriptBody struct {
	Script string `json:"script"`
}

type scriptSavedResponse struct {
	Message string `json:"message"`
	Length  int    `json:"length"`
}

type scriptStopResponse struct {
	Stopped bool   `json:"stopped"`
	Message string `json:"message"`
}

type broadcastResponse struct {
	Message     string `json:"message"`
	ClientCount int    `json:"client_count"`
}

func (s *HTTPServer) getScript(w http.ResponseWriter, r *http.Request) {
	src, err := s.control.LoadScript()
	if err != nil {
		s.logger.Error("failed to load script", zap.Error(err))
		writeError(r.Context(), w, http.StatusInternalServerError, "failed to load script")
		return
	}
	encode(r.Context(), w, http.StatusOK, &scriptBody{Script: src})
}

func (s *HTTPServer) saveScript(w http.ResponseWriter, r *http.Request) {
	var body scriptBody
	if err := decode(r, &body); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.control.SaveScript(body.Script); err != nil {
		s.logger.Error("failed to save script", zap.Error(err))
		writeError(r.Context(), w, http.StatusInternalServerError, "failed to save script")
		return
	}
	encode(r.Context(), w, http.StatusOK, &scriptSavedResponse{Message: "Script saved", Length: len(body.Script)})
}

// runScript starts the posted script, or the stored one when the body is empty
func (s *HTTPServer) runScript(w http.ResponseWriter, r *http.Request) {
	var body scriptBody
	if err := decode(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.control.RunScript(body.Script)
	switch {
	case err == nil:
		encode(r.Context(), w, http.StatusOK, map[string]string{"message": "Script started"})
	case errors.Is(err, ErrScriptsDisabled):
		writeError(r.Context(), w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, script.ErrEmptyScript):
		writeError(r.Context(), w, http.StatusBadRequest, "No script to run")
	case errors.Is(err, script.ErrRunning):
		writeError(r.Context(), w, http.StatusConflict, err.Error())
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, err.Error())
	}
}

func (s *HTTPServer) stopScript(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.control.StopScript()
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, err.Error())
		return
	}
	resp := &scriptStopResponse{Stopped: stopped, Message: "Script stopped"}
	if !stopped {
		resp.Message = "No script running"
	}
	encode(r.Context(), w, http.StatusOK, resp)
}

func (s *HTTPServer) scriptStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.control.ScriptStatus()
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, err.Error())
		return
	}
	encode(r.Context(), w, http.StatusOK, &st)
}

// broadcast forwards the raw request body to the detection websocket clients
func (s *HTTPServer) broadcast(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBroadcastBytes))
	if err != nil {
		writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "message is empty")
		return
	}

	n, err := s.control.Broadcast(text)
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, err.Error())
		return
	}
	encode(r.Context(), w, http.StatusOK, &broadcastResponse{Message: "Broadcast sent", ClientCount: n})
}
