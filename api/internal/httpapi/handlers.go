// Package httpapi exposes the command service over JSON/HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"social-credit-ledger/api/internal/commands"
	"social-credit-ledger/api/internal/processor"
	"social-credit-ledger/shared/authx"
	"social-credit-ledger/shared/httpx"
	"social-credit-ledger/shared/logx"
)

type Handler struct {
	svc    *commands.Service
	logger logx.Logger
}

func New(svc *commands.Service, logger logx.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/commands/register", h.register)
	mux.HandleFunc("POST /api/v1/commands/honor", h.honor)
	mux.HandleFunc("POST /api/v1/commands/dishonor", h.dishonor)
	mux.HandleFunc("POST /api/v1/commands/jail", h.jail)
	mux.HandleFunc("POST /api/v1/commands/unjail", h.unjail)
	mux.HandleFunc("POST /api/v1/commands/set-party", h.setParty)
	mux.HandleFunc("POST /api/v1/commands/set-hsk", h.setHsk)
	mux.HandleFunc("POST /api/v1/reactions", h.react)
	mux.HandleFunc("GET /api/v1/profiles/{member_id}", h.profile)
}

type registerRequest struct {
	MemberID string `json:"member_id"`
	Username string `json:"username"`
}

type transferRequest struct {
	ToID   string `json:"to_id"`
	ByID   string `json:"by_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type jailRequest struct {
	ToID   string `json:"to_id"`
	ByID   string `json:"by_id"`
	Reason string `json:"reason"`
}

type partyRequest struct {
	MemberID string `json:"member_id"`
	Flag     bool   `json:"flag"`
}

type hskRequest struct {
	MemberID string `json:"member_id"`
	Level    *int   `json:"level"`
}

type reactionRequest struct {
	AuthorID  string `json:"author_id"`
	ReactorID string `json:"reactor_id"`
	Action    string `json:"action"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) || !actingAs(w, r, req.MemberID) {
		return
	}
	h.respond(w, r)(h.svc.Register(r.Context(), req.MemberID, req.Username))
}

func (h *Handler) honor(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) || !actingAs(w, r, req.ByID) {
		return
	}
	h.respond(w, r)(h.svc.Honor(r.Context(), req.ToID, req.ByID, req.Amount, req.Reason))
}

func (h *Handler) dishonor(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) || !actingAs(w, r, req.ByID) {
		return
	}
	h.respond(w, r)(h.svc.Dishonor(r.Context(), req.ToID, req.ByID, req.Amount, req.Reason))
}

func (h *Handler) jail(w http.ResponseWriter, r *http.Request) {
	var req jailRequest
	if !decode(w, r, &req) || !actingAs(w, r, req.ByID) {
		return
	}
	h.respond(w, r)(h.svc.Jail(r.Context(), req.ToID, req.ByID, req.Reason))
}

func (h *Handler) unjail(w http.ResponseWriter, r *http.Request) {
	var req jailRequest
	if !decode(w, r, &req) || !actingAs(w, r, req.ByID) {
		return
	}
	h.respond(w, r)(h.svc.Unjail(r.Context(), req.ToID, req.ByID))
}

func (h *Handler) setParty(w http.ResponseWriter, r *http.Request) {
	var req partyRequest
	if !decode(w, r, &req) || !serviceOnly(w, r) {
		return
	}
	h.respond(w, r)(h.svc.SetParty(r.Context(), req.MemberID, req.Flag))
}

func (h *Handler) setHsk(w http.ResponseWriter, r *http.Request) {
	var req hskRequest
	if !decode(w, r, &req) || !serviceOnly(w, r) {
		return
	}
	h.respond(w, r)(h.svc.SetHsk(r.Context(), req.MemberID, req.Level))
}

func (h *Handler) react(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if !decode(w, r, &req) || !actingAs(w, r, req.ReactorID) {
		return
	}
	var added bool
	switch req.Action {
	case "add":
		added = true
	case "remove":
	default:
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "action must be add or remove", nil)
		return
	}
	h.respond(w, r)(h.svc.React(r.Context(), req.AuthorID, req.ReactorID, added))
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Profile(r.Context(), r.PathValue("member_id"))
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, view)
	case errors.Is(err, commands.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "profile not found", nil)
	case errors.Is(err, commands.ErrInvalidArgument):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	default:
		h.internal(w, r, err)
	}
}

// respond maps a service outcome to a status: rejected commands are still a
// 200 with success=false, a pending apply is 202. Commands that could not be
// logged but are safe to resubmit are 503.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request) func(commands.Result, error) {
	return func(res commands.Result, err error) {
		switch {
		case err == nil && res.Pending:
			httpx.WriteJSON(w, http.StatusAccepted, res)
		case err == nil:
			httpx.WriteJSON(w, http.StatusOK, res)
		case errors.Is(err, commands.ErrInvalidArgument):
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		case errors.Is(err, context.DeadlineExceeded):
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "command timed out before it was logged", nil)
		case errors.Is(err, processor.ErrAggregateBehind), errors.Is(err, processor.ErrLeaseLost):
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "command was not logged, retry", nil)
		default:
			h.internal(w, r, err)
		}
	}
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error(r.Context(), "http_handler_failed", "request failed",
		append(logx.Failure(logx.CodeInternal, err),
			slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
			slog.String("path", r.URL.Path),
		)...,
	)
	httpx.WriteError(w, r, http.StatusInternalServerError, logx.CodeInternal, "internal server error", nil)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(w, r, dst); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return false
	}
	return true
}

// actingAs allows the request when auth is off or the token may act as memberID.
func actingAs(w http.ResponseWriter, r *http.Request, memberID string) bool {
	auth, ok := authx.FromContext(r.Context())
	if !ok || auth.ActsAs(memberID) {
		return true
	}
	httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "token may not act for this member", nil)
	return false
}

func serviceOnly(w http.ResponseWriter, r *http.Request) bool {
	auth, ok := authx.FromContext(r.Context())
	if !ok || auth.HasRole(authx.ServiceRole) {
		return true
	}
	httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "service role required", nil)
	return false
}
