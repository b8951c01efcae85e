// Package httptransport is the thin HTTP boundary over the liveness engine.
// It resolves bearer tokens, decodes payloads and translates coded errors to
// HTTP statuses; business rules live in the engine.
package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mssola/useragent"

	"vigil/internal/engine"
	"vigil/internal/platform/apperr"
	"vigil/internal/platform/middleware"
	"vigil/internal/principal/models"
)

const (
	headerAuthToken   = "Auth-Token"
	headerMessageType = "Message-Type"
)

// Handler serves the liveness API.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
}

func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: eng, logger: logger}
}

// response is the wire envelope for every JSON reply.
type response struct {
	Status  int `json:"status"`
	Content any `json:"content"`
}

// handleAPI dispatches one authenticated operation selected by the
// Message-Type header:
//
//	0 — auth probe
//	1 — check-in
//	2 — declare deceased
//	3 — resume
//	4 — status
func (h *Handler) handleAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.Header.Get(headerAuthToken)
	if token == "" {
		h.writeError(w, r, apperr.New(apperr.CodeUnauthorized, "no auth token provided"))
		return
	}
	principal, err := h.engine.Resolve(ctx, token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	mtype := r.Header.Get(headerMessageType)
	if mtype == "" {
		mtype = "0"
	}

	var payload models.Payload
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.writeError(w, r, apperr.New(apperr.CodeBadRequest, "invalid request body"))
			return
		}
	}
	enrichObservations(&payload, r.UserAgent())

	switch mtype {
	case "0":
		h.engine.AuthTest(principal)
		h.writeMessage(w, http.StatusOK, "Auth Successful")
	case "1":
		if err := h.engine.CheckIn(ctx, principal, payload); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeMessage(w, http.StatusOK, "Ok")
	case "2":
		if err := h.engine.DeclareDeceased(ctx, principal, payload); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeMessage(w, http.StatusOK, "Ok")
	case "3":
		if err := h.engine.Resume(ctx, principal, payload); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeMessage(w, http.StatusOK, "Ok")
	case "4":
		status := h.engine.Status(ctx, principal)
		h.writeJSON(w, http.StatusOK, response{Status: http.StatusOK, Content: status})
	default:
		h.writeError(w, r, apperr.New(apperr.CodeNotFound, "unknown message type"))
	}
}

type registerRequest struct {
	Email string `json:"email"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		h.writeMessage(w, http.StatusBadRequest, "Bad Request")
		return
	}

	entry, err := h.engine.Enroll(r.Context(), req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// The code itself travels out of band; only the expiry is echoed.
	h.writeJSON(w, http.StatusAccepted, response{
		Status:  http.StatusAccepted,
		Content: fmt.Sprintf("verification code issued, expires at %d", entry.Expires),
	})
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  uint64 `json:"code"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		h.writeMessage(w, http.StatusBadRequest, "Bad Request")
		return
	}

	principal, err := h.engine.Verify(r.Context(), req.Email, req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, response{Status: http.StatusOK, Content: principal})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.writeMessage(w, http.StatusOK, "Ok")
}

// enrichObservations folds the client's user agent into the observation map
// so audit lines record what software checked in.
func enrichObservations(payload *models.Payload, rawUA string) {
	if rawUA == "" {
		return
	}
	ua := useragent.New(rawUA)
	name, version := ua.Browser()
	if name == "" && ua.OS() == "" {
		return
	}
	if payload.O == nil {
		payload.O = make(map[string][]string)
	}
	if name != "" {
		payload.O["UA-Browser"] = []string{name, version}
	}
	if os := ua.OS(); os != "" {
		payload.O["UA-OS"] = []string{os}
	}
}

func (h *Handler) writeMessage(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, response{Status: status, Content: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError translates coded domain errors to HTTP statuses. Internal
// failures are logged with their cause and surfaced as a generic message so
// no partial success leaks to the caller.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := apperr.ToHTTPStatus(code)

	message := "Internal Server Error, please try again later"
	var appErr *apperr.Error
	if errors.As(err, &appErr) && code != apperr.CodeInternal {
		message = appErr.Message
	}

	if code == apperr.CodeInternal {
		h.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"error", err,
			"request_id", middleware.GetRequestID(r.Context()),
		)
	}
	h.writeMessage(w, status, message)
}
