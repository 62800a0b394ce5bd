package http

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/memory"
	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/sigauth"
	"github.com/archon-research/stl/stl-wrapper/internal/services/access_registry"
	"github.com/archon-research/stl/stl-wrapper/internal/services/command"
	"github.com/archon-research/stl/stl-wrapper/internal/services/position_ledger"
	"github.com/archon-research/stl/stl-wrapper/internal/services/position_orchestrator"
)

var (
	wrapperAccount = common.HexToAddress("0x00000000000000000000000000000000000057e1")
	dai            = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	weth           = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

type apiHarness struct {
	router   http.Handler
	bank     *memory.TokenBank
	adminKey *ecdsa.PrivateKey
	userKey  *ecdsa.PrivateKey
	user     common.Address
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	adminKey, _ := crypto.GenerateKey()
	userKey, _ := crypto.GenerateKey()

	bank := memory.NewTokenBank()
	pool, err := memory.NewLendingPool(bank, memory.LendingPoolConfig{Operator: wrapperAccount})
	if err != nil {
		t.Fatalf("NewLendingPool: %v", err)
	}
	pool.ListReserve(dai)
	pool.ListReserve(weth)
	bank.Mint(weth, pool.Address(), uint256.NewInt(1_000))

	guard, _ := access_registry.NewAdminGuard(crypto.PubkeyToAddress(adminKey.PublicKey))
	registry, err := access_registry.NewService(guard, memory.NewAllowlistRepository(), logger)
	if err != nil {
		t.Fatalf("access_registry.NewService: %v", err)
	}
	ledger, err := position_ledger.NewLedger(memory.NewLedgerRepository(), logger)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	positions, err := position_orchestrator.NewService(
		position_orchestrator.Config{Logger: logger},
		registry, ledger, pool,
		memory.NewTokenCustodian(bank, wrapperAccount),
		memory.NewLocker(), memory.NewEventSink(), nil,
	)
	if err != nil {
		t.Fatalf("position_orchestrator.NewService: %v", err)
	}
	dispatcher, err := command.NewDispatcher(positions, registry, sigauth.NewVerifier(time.Hour), logger)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	return &apiHarness{
		router: NewRouter(RouterDeps{
			Dispatcher: dispatcher,
			Positions:  positions,
			Access:     registry,
			Health:     NewHealthProbe(&mockHealthChecker{ready: true, healthy: true}, nil, logger),
			Logger:     logger,
		}),
		bank:     bank,
		adminKey: adminKey,
		userKey:  userKey,
		user:     crypto.PubkeyToAddress(userKey.PublicKey),
	}
}

func deadline() int64 { return time.Now().Add(time.Minute).Unix() }

// post signs body with key and sends it to path. A nil key sends no signature.
func (h *apiHarness) post(t *testing.T, path string, key *ecdsa.PrivateKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != nil {
		sig, err := sigauth.Sign([]byte(body), key)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		req.Header.Set(SignatureHeader, hexutil.Encode(sig))
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func (h *apiHarness) addUser(t *testing.T) {
	t.Helper()
	body := fmt.Sprintf(`{"type":"addValidUser","user":%q,"deadline":%d}`, h.user.Hex(), deadline())
	if w := h.post(t, "/v1/users/add", h.adminKey, body); w.Code != http.StatusOK {
		t.Fatalf("add user: status %d, body %s", w.Code, w.Body.String())
	}
}

func (h *apiHarness) fund(asset common.Address, amount uint64) {
	h.bank.Mint(asset, h.user, uint256.NewInt(amount))
	h.bank.Approve(asset, h.user, wrapperAccount, uint256.NewInt(amount))
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestAPI_PositionLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	h.addUser(t)
	h.fund(dai, 10_000)

	body := fmt.Sprintf(`{"type":"depositAndBorrow","collateralAsset":%q,"collateralAmount":"10000","debtAsset":%q,"debtAmount":"1","rateMode":"stable","deadline":%d}`,
		dai.Hex(), weth.Hex(), deadline())
	w := h.post(t, "/v1/positions/deposit-and-borrow", h.userKey, body)
	if w.Code != http.StatusOK {
		t.Fatalf("deposit-and-borrow: status %d, body %s", w.Code, w.Body.String())
	}
	event := decodeBody(t, w)["event"].(map[string]any)
	if event["collateralAmount"] != "10000" || event["debtAmountActual"] != "1" {
		t.Errorf("unexpected event: %v", event)
	}

	w = h.get(fmt.Sprintf("/v1/balances/deposit/%s/%s", dai.Hex(), h.user.Hex()))
	if w.Code != http.StatusOK {
		t.Fatalf("deposit balance: status %d", w.Code)
	}
	if got := decodeBody(t, w)["amount"]; got != "10000" {
		t.Errorf("deposit balance = %v, want 10000", got)
	}

	w = h.get(fmt.Sprintf("/v1/balances/debt/%s/%s?rateMode=stable", weth.Hex(), h.user.Hex()))
	if got := decodeBody(t, w)["amount"]; got != "1" {
		t.Errorf("debt balance = %v, want 1", got)
	}

	h.fund(weth, 1)
	body = fmt.Sprintf(`{"type":"paybackAndWithdraw","collateralAsset":%q,"withdrawAmount":"8000","debtAsset":%q,"repayAmount":"1","rateMode":"stable","deadline":%d}`,
		dai.Hex(), weth.Hex(), deadline())
	w = h.post(t, "/v1/positions/payback-and-withdraw", h.userKey, body)
	if w.Code != http.StatusOK {
		t.Fatalf("payback-and-withdraw: status %d, body %s", w.Code, w.Body.String())
	}

	w = h.get(fmt.Sprintf("/v1/balances/deposit/%s/%s", dai.Hex(), h.user.Hex()))
	if got := decodeBody(t, w)["amount"]; got != "2000" {
		t.Errorf("deposit balance after withdraw = %v, want 2000", got)
	}
}

func TestAPI_CommandErrors(t *testing.T) {
	h := newAPIHarness(t)
	stranger, _ := crypto.GenerateKey()

	tests := []struct {
		name       string
		path       string
		key        *ecdsa.PrivateKey
		body       string
		wantStatus int
	}{
		{
			name:       "missing signature",
			path:       "/v1/users/add",
			body:       fmt.Sprintf(`{"type":"addValidUser","user":%q,"deadline":%d}`, h.user.Hex(), deadline()),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "expired deadline",
			path:       "/v1/users/add",
			key:        h.adminKey,
			body:       fmt.Sprintf(`{"type":"addValidUser","user":%q,"deadline":%d}`, h.user.Hex(), time.Now().Add(-time.Minute).Unix()),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "non-admin adds user",
			path:       "/v1/users/add",
			key:        stranger,
			body:       fmt.Sprintf(`{"type":"addValidUser","user":%q,"deadline":%d}`, h.user.Hex(), deadline()),
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "user not in allowlist",
			path:       "/v1/positions/deposit-and-borrow",
			key:        h.userKey,
			body:       fmt.Sprintf(`{"type":"depositAndBorrow","collateralAsset":%q,"collateralAmount":"1","rateMode":"stable","deadline":%d}`, dai.Hex(), deadline()),
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "command type does not match route",
			path:       "/v1/positions/deposit-and-borrow",
			key:        h.userKey,
			body:       fmt.Sprintf(`{"type":"paybackAndWithdraw","rateMode":"stable","deadline":%d}`, deadline()),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			path:       "/v1/users/remove",
			key:        h.adminKey,
			body:       `{"type":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.post(t, tt.path, tt.key, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if _, ok := decodeBody(t, w)["error"]; !ok {
				t.Error("response has no error field")
			}
		})
	}
}

func TestAPI_InsufficientAllowanceIsPaymentRequired(t *testing.T) {
	h := newAPIHarness(t)
	h.addUser(t)

	body := fmt.Sprintf(`{"type":"depositAndBorrow","collateralAsset":%q,"collateralAmount":"10000","rateMode":"stable","deadline":%d}`, dai.Hex(), deadline())
	w := h.post(t, "/v1/positions/deposit-and-borrow", h.userKey, body)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402 (body %s)", w.Code, w.Body.String())
	}
}

func TestAPI_ListValidUsers(t *testing.T) {
	h := newAPIHarness(t)

	w := h.get("/v1/users")
	if users := decodeBody(t, w)["users"].([]any); len(users) != 0 {
		t.Errorf("users = %v, want empty list", users)
	}

	h.addUser(t)
	w = h.get("/v1/users")
	users := decodeBody(t, w)["users"].([]any)
	if len(users) != 1 || !strings.EqualFold(users[0].(string), h.user.Hex()) {
		t.Errorf("users = %v, want [%s]", users, h.user.Hex())
	}
}

func TestAPI_BalanceParams(t *testing.T) {
	h := newAPIHarness(t)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"bad asset", "/v1/balances/deposit/0x123/" + h.user.Hex(), http.StatusBadRequest},
		{"bad user", "/v1/balances/deposit/" + dai.Hex() + "/nope", http.StatusBadRequest},
		{"missing rate mode", "/v1/balances/debt/" + dai.Hex() + "/" + h.user.Hex(), http.StatusBadRequest},
		{"unknown rate mode", "/v1/balances/debt/" + dai.Hex() + "/" + h.user.Hex() + "?rateMode=fixed", http.StatusBadRequest},
		{"unseen record is zero", "/v1/balances/debt/" + dai.Hex() + "/" + h.user.Hex() + "?rateMode=variable", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := h.get(tt.path); w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestAPI_HealthMounted(t *testing.T) {
	h := newAPIHarness(t)
	if w := h.get("/health/ready"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{sigauth.ErrInvalidSignature, http.StatusUnauthorized},
		{entity.ErrNotAuthorized, http.StatusForbidden},
		{entity.ErrNotAValidUser, http.StatusForbidden},
		{entity.ErrInsufficientAllowanceOrBalance, http.StatusPaymentRequired},
		{entity.ErrExternalProtocolRejected, http.StatusBadGateway},
		{entity.ErrInsufficientLedgerBalance, http.StatusConflict},
		{entity.ErrInvalidRequest, http.StatusBadRequest},
		{entity.ErrAmountOverflow, http.StatusBadRequest},
		{entity.ErrOperationInProgress, http.StatusConflict},
		{entity.ErrOperationConflict, http.StatusConflict},
		{fmt.Errorf("%w: %w", entity.ErrCompensationFailed, entity.ErrExternalProtocolRejected), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(fmt.Errorf("wrapped: %w", tt.err)); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
