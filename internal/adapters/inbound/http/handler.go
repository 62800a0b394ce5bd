// handler.go provides the HTTP REST API of the position wrapper.
//
// Mutating endpoints take a signed JSON command: the X-Signature header carries a
// personal_sign signature of the raw body and the recovered address is the caller.
//   - POST /v1/positions/deposit-and-borrow
//   - POST /v1/positions/payback-and-withdraw
//   - POST /v1/users/add
//   - POST /v1/users/remove
//   - GET  /v1/users
//   - GET  /v1/balances/deposit/{asset}/{user}
//   - GET  /v1/balances/debt/{asset}/{user}?rateMode=stable|variable
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/sigauth"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/inbound"
	"github.com/archon-research/stl/stl-wrapper/internal/services/command"
)

// SignatureHeader carries the hex signature of the request body.
const SignatureHeader = "X-Signature"

// maxBodyBytes bounds command bodies.
const maxBodyBytes = 64 << 10

// Handler implements HTTP handlers for the API.
type Handler struct {
	dispatcher *command.Dispatcher
	positions  inbound.PositionService
	access     inbound.AccessService
	logger     *slog.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(dispatcher *command.Dispatcher, positions inbound.PositionService, access inbound.AccessService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		positions:  positions,
		access:     access,
		logger:     logger.With("component", "http-handler"),
	}
}

// DepositAndBorrow handles POST /v1/positions/deposit-and-borrow.
func (h *Handler) DepositAndBorrow(w http.ResponseWriter, r *http.Request) {
	h.handleCommand(w, r, command.TypeDepositAndBorrow)
}

// PaybackAndWithdraw handles POST /v1/positions/payback-and-withdraw.
func (h *Handler) PaybackAndWithdraw(w http.ResponseWriter, r *http.Request) {
	h.handleCommand(w, r, command.TypePaybackAndWithdraw)
}

// AddValidUser handles POST /v1/users/add.
func (h *Handler) AddValidUser(w http.ResponseWriter, r *http.Request) {
	h.handleCommand(w, r, command.TypeAddValidUser)
}

// RemoveValidUser handles POST /v1/users/remove.
func (h *Handler) RemoveValidUser(w http.ResponseWriter, r *http.Request) {
	h.handleCommand(w, r, command.TypeRemoveValidUser)
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request, want command.Type) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		h.respondError(w, http.StatusUnauthorized, "missing "+SignatureHeader+" header")
		return
	}

	cmd, caller, err := h.dispatcher.Authenticate(raw, sig)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if cmd.Type != want {
		h.respondError(w, http.StatusBadRequest, fmt.Sprintf("command type %q not accepted here, want %q", cmd.Type, want))
		return
	}

	result, err := h.dispatcher.Execute(r.Context(), cmd, caller)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// ListValidUsers handles GET /v1/users.
func (h *Handler) ListValidUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.access.GetValidUsers(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []common.Address{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"users": users})
}

type balanceResponse struct {
	Asset    common.Address   `json:"asset"`
	User     common.Address   `json:"user"`
	RateMode *entity.RateMode `json:"rateMode,omitempty"`
	Amount   *uint256.Int     `json:"amount"`
}

// DepositBalance handles GET /v1/balances/deposit/{asset}/{user}.
func (h *Handler) DepositBalance(w http.ResponseWriter, r *http.Request) {
	asset, user, ok := h.addressParams(w, r)
	if !ok {
		return
	}
	amount, err := h.positions.GetUserDepositBalance(r.Context(), asset, user)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, balanceResponse{Asset: asset, User: user, Amount: amount})
}

// DebtBalance handles GET /v1/balances/debt/{asset}/{user}?rateMode=.
func (h *Handler) DebtBalance(w http.ResponseWriter, r *http.Request) {
	asset, user, ok := h.addressParams(w, r)
	if !ok {
		return
	}
	mode, err := entity.ParseRateMode(r.URL.Query().Get("rateMode"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "rateMode must be stable or variable")
		return
	}
	amount, err := h.positions.GetUserDebtBalance(r.Context(), asset, user, mode)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, balanceResponse{Asset: asset, User: user, RateMode: &mode, Amount: amount})
}

func (h *Handler) addressParams(w http.ResponseWriter, r *http.Request) (common.Address, common.Address, bool) {
	asset, user := chi.URLParam(r, "asset"), chi.URLParam(r, "user")
	if !common.IsHexAddress(asset) {
		h.respondError(w, http.StatusBadRequest, "invalid asset address")
		return common.Address{}, common.Address{}, false
	}
	if !common.IsHexAddress(user) {
		h.respondError(w, http.StatusBadRequest, "invalid user address")
		return common.Address{}, common.Address{}, false
	}
	return common.HexToAddress(asset), common.HexToAddress(user), true
}

// StatusFor maps a service error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, sigauth.ErrInvalidSignature),
		errors.Is(err, sigauth.ErrExpired),
		errors.Is(err, sigauth.ErrDeadlineTooFar):
		return http.StatusUnauthorized
	case errors.Is(err, entity.ErrNotAuthorized), errors.Is(err, entity.ErrNotAValidUser):
		return http.StatusForbidden
	case errors.Is(err, entity.ErrInsufficientAllowanceOrBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, entity.ErrCompensationFailed):
		return http.StatusInternalServerError
	case errors.Is(err, entity.ErrExternalProtocolRejected):
		return http.StatusBadGateway
	case errors.Is(err, entity.ErrInsufficientLedgerBalance),
		errors.Is(err, entity.ErrOperationInProgress),
		errors.Is(err, entity.ErrOperationConflict):
		return http.StatusConflict
	case errors.Is(err, entity.ErrInvalidRequest), errors.Is(err, entity.ErrAmountOverflow):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			h.respondError(w, status, "internal error")
			return
		}
	} else {
		h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	h.respondError(w, status, err.Error())
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
