package web

// errors.go turns pipeline failures into HTTP responses. The technical
// error is logged with the request id; the client gets the catalogued
// message, action and code from etl.MapError.

import (
	"errors"
	"net/http"
	"strings"

	"github.com/JonMunkholm/feedlot-etl/internal/etl"
	"github.com/JonMunkholm/feedlot-etl/internal/logging"
	"github.com/JonMunkholm/feedlot-etl/internal/web/views"
)

var (
	errNoFile       = errors.New("no file provided")
	errFileTooLarge = errors.New("file too large")
)

// ErrorResponse is the JSON body of a request that failed before reaching
// the pipeline.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// statusForCode maps an error code to the HTTP status it is answered with.
func statusForCode(code string) int {
	switch {
	case code == "":
		return http.StatusOK
	case code == "LOAD003":
		return http.StatusServiceUnavailable
	case code == "LOAD004":
		return http.StatusGatewayTimeout
	case code == "LOAD005":
		return http.StatusRequestTimeout
	case code == "LOAD002":
		return http.StatusUnprocessableEntity
	case code == "FILE005":
		return http.StatusRequestEntityTooLarge
	case code == "LOAD001",
		strings.HasPrefix(code, "FILE"),
		strings.HasPrefix(code, "MAP"):
		return http.StatusBadRequest
	case strings.HasPrefix(code, "DB"), strings.HasPrefix(code, "DIM"):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError answers a failed request as JSON, or as an HTML fragment on
// the HTML routes.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	s.respondMessage(w, r, etl.MapError(err), err.Error())
}

// respondOutcome answers a failed stage on the HTML routes.
func (s *Server) respondOutcome(w http.ResponseWriter, r *http.Request, out etl.Outcome) {
	s.respondMessage(w, r, etl.MessageForCode(out.Code), out.Error)
}

func (s *Server) respondMessage(w http.ResponseWriter, r *http.Request, msg etl.UserMessage, detail string) {
	status := statusForCode(msg.Code)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", detail,
		"code", msg.Code,
	)

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}

	if !strings.HasPrefix(r.URL.Path, "/api/") && !wantsJSON(r) {
		render(w, r, status, views.Layout("Error", views.ErrorAlert(msg)))
		return
	}

	writeJSON(w, status, ErrorResponse{
		Error:   detail,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// respond writes a stage response. Failed stages keep their full body and
// take the status of their error code.
func respond(w http.ResponseWriter, out etl.Outcome, v any) {
	status := http.StatusOK
	if !out.Success {
		status = statusForCode(out.Code)
	}
	writeJSON(w, status, v)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
