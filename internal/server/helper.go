package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/kioskbox/update-service/internal/update"
)

const (
	LogFieldRequestID   = "requestId"
	LogFieldHTTPRequest = "httpRequest"
)

type errorBody struct {
	Success         bool                    `json:"success"`
	Error           string                  `json:"error"`
	Message         string                  `json:"message"`
	Troubleshooting *update.Troubleshooting `json:"troubleshooting,omitempty"`
	Timestamp       time.Time               `json:"timestamp"`
}

func (s *Server) setContentTypeJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
}

func (s *Server) writeJSON(w http.ResponseWriter, d any) {
	s.setContentTypeJSON(w)
	err := json.NewEncoder(w).Encode(d)
	if err != nil {
		s.log.Error(err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, r *http.Request, statusCode int, code string, err error, ts *update.Troubleshooting) {
	s.log.WithFields(logrus.Fields{
		LogFieldRequestID: middleware.GetReqID(r.Context()),
		LogFieldHTTPRequest: map[string]any{
			"requestMethod": r.Method,
			"requestUrl":    r.URL.EscapedPath(),
			"status":        statusCode,
		},
	}).Errorf("error: %s", err.Error())

	s.setContentTypeJSON(w)
	w.WriteHeader(statusCode)
	s.writeJSON(w, &errorBody{
		Success:         false,
		Error:           code,
		Message:         err.Error(),
		Troubleshooting: ts,
		Timestamp:       time.Now(),
	})
}

func (s *Server) requestLogger(r *http.Request) *logrus.Entry {
	return s.log.WithFields(logrus.Fields{
		LogFieldRequestID: middleware.GetReqID(r.Context()),
		LogFieldHTTPRequest: map[string]any{
			"requestMethod": r.Method,
			"requestUrl":    r.URL.EscapedPath(),
		},
	})
}
