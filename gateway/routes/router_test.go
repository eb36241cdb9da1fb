package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"keydrop/core/promise"
	"keydrop/core/state"
	"keydrop/crypto"
	"keydrop/gateway/middleware"
	"keydrop/gateway/stream"
	"keydrop/native/drops"
	"keydrop/storage"
)

type fixture struct {
	server  *httptest.Server
	manager *state.Manager
	engine  *drops.Engine
	key     crypto.PublicKey
}

func newFixture(t *testing.T, exec promise.ExecutorFunc) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := state.NewManager(storage.NewMemDB())

	native := drops.NewNativeAsset("near")
	drop, err := drops.NewDrop("drop-1", "funder.testnet", []drops.Asset{native}, drops.AllUses{
		Behavior: drops.UseBehavior{Assets: []drops.AssetMetadata{{AssetID: "near", TokensPerUse: big.NewInt(5)}}},
		Uses:     2,
	})
	require.NoError(t, err)
	require.NoError(t, m.DropPut(drop))
	pk, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, m.KeyPut(&drops.Key{PublicKey: pk, DropID: drop.ID, RemainingUses: 2}))

	engine := drops.NewEngine()
	engine.SetState(m)
	engine.SetLogger(logger)
	engine.SetScheduler(promise.NewScheduler(exec, promise.WithLogger(logger)))
	engine.SetAccountCreator(&drops.RootAccountCreator{Root: "testnet", Deposit: big.NewInt(0)})

	handler := New(Config{
		Engine:         engine,
		WaitTimeout:    5 * time.Second,
		MetricsHandler: http.NotFoundHandler(),
		Logger:         logger,
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &fixture{server: server, manager: m, engine: engine, key: pk}
}

func succeed(context.Context, string, promise.Action) ([]byte, error) { return nil, nil }

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func claimGas() uint64 {
	s := drops.DefaultGasSchedule()
	return uint64(s.BaseForClaim() + s.CostOfOneClaim(drops.NewNativeAsset("near")))
}

func TestClaimWaitsForSettlement(t *testing.T) {
	f := newFixture(t, succeed)
	resp, body := f.post(t, "/v1/claim", claimBody{
		PublicKey:  f.key.String(),
		AccountID:  "alice.testnet",
		PrepaidGas: claimGas(),
		Wait:       true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "finalized", body["status"])
	require.Equal(t, "alice.testnet", body["receiver_id"])
	require.EqualValues(t, 1, body["use"])
}

func TestClaimAcceptedWithoutWait(t *testing.T) {
	f := newFixture(t, succeed)
	resp, body := f.post(t, "/v1/claim", claimBody{
		PublicKey:  f.key.String(),
		AccountID:  "alice.testnet",
		PrepaidGas: claimGas(),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "pending", body["status"])
	require.Equal(t, "drop-1", body["drop_id"])
	require.NotEmpty(t, body["claim_id"])
}

func TestClaimBudgetError(t *testing.T) {
	f := newFixture(t, succeed)
	resp, body := f.post(t, "/v1/claim", claimBody{
		PublicKey:  f.key.String(),
		AccountID:  "alice.testnet",
		PrepaidGas: claimGas() - 1,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.EqualValues(t, claimGas(), body["required"])
	require.EqualValues(t, claimGas()-1, body["provided"])

	key, ok, err := f.manager.KeyGet(f.key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(2), key.RemainingUses)
}

func TestClaimUnknownKey(t *testing.T) {
	f := newFixture(t, succeed)
	other, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	resp, _ := f.post(t, "/v1/claim", claimBody{
		PublicKey:  other.String(),
		AccountID:  "alice.testnet",
		PrepaidGas: claimGas(),
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClaimRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, succeed)
	resp, err := http.Post(f.server.URL+"/v1/claim", "application/json", bytes.NewReader([]byte(`{"public_key":1}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/v1/claim", claimBody{PublicKey: "ed25519:???", AccountID: "alice.testnet"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateAccountFailureRefunds(t *testing.T) {
	f := newFixture(t, func(_ context.Context, _ string, action promise.Action) ([]byte, error) {
		if action.Method == "create_account" {
			return nil, errors.New("account exists")
		}
		return nil, nil
	})
	newKey, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := drops.DefaultGasSchedule()
	required, err := s.RequiredForCreateAccountAndClaim([]drops.Asset{drops.NewNativeAsset("near")})
	require.NoError(t, err)

	resp, body := f.post(t, "/v1/create_account_and_claim", createAccountBody{
		PublicKey:    f.key.String(),
		NewAccountID: "bob.testnet",
		NewPublicKey: newKey.String(),
		PrepaidGas:   uint64(required),
		Wait:         true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "refund_applied", body["status"])
	require.EqualValues(t, 5, body["refunded"])

	resp, body = f.get(t, "/v1/funders/funder.testnet/balance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "5", body["balance"])
}

func TestCreateAccountRequiresExactGas(t *testing.T) {
	f := newFixture(t, succeed)
	newKey, _, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := drops.DefaultGasSchedule()
	required, err := s.RequiredForCreateAccountAndClaim([]drops.Asset{drops.NewNativeAsset("near")})
	require.NoError(t, err)

	resp, body := f.post(t, "/v1/create_account_and_claim", createAccountBody{
		PublicKey:    f.key.String(),
		NewAccountID: "bob.testnet",
		NewPublicKey: newKey.String(),
		PrepaidGas:   uint64(required) + 1,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, true, body["exact"])
}

func TestViews(t *testing.T) {
	f := newFixture(t, succeed)
	resp, body := f.get(t, "/v1/keys/"+f.key.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "drop-1", body["drop_id"])
	require.EqualValues(t, 1, body["current_use"])
	require.EqualValues(t, claimGas(), body["required_gas"])

	resp, body = f.get(t, "/v1/drops/drop-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "funder.testnet", body["funder_id"])

	resp, _ = f.get(t, "/v1/drops/missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/v1/keys/not-a-key")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.get(t, "/v1/funders/funder.testnet/balance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0", body["balance"])
}

func TestRateLimitedClaims(t *testing.T) {
	f := newFixture(t, succeed)
	limiter := middleware.NewRateLimiter(middleware.RateLimit{RatePerSecond: 0.001, Burst: 1}, nil, nil)
	handler := New(Config{Engine: f.engine, RateLimiter: limiter, MetricsHandler: http.NotFoundHandler()})

	body := []byte(`{"public_key":"` + f.key.String() + `","account_id":"alice.testnet","prepaid_gas":1}`)
	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/v1/claim", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/v1/claim", bytes.NewReader(body)))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, succeed)
	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFunderBalanceRequiresMatchingSubject(t *testing.T) {
	f := newFixture(t, succeed)
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "s3cret"}, nil)
	handler := New(Config{Engine: f.engine, Auth: auth, MetricsHandler: http.NotFoundHandler()})

	sign := func(claims jwt.MapClaims) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		return "Bearer " + signed
	}
	get := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/funders/funder.testnet/balance", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusUnauthorized, get(""))
	require.Equal(t, http.StatusOK, get(sign(jwt.MapClaims{"sub": "funder.testnet"})))
	require.Equal(t, http.StatusForbidden, get(sign(jwt.MapClaims{"sub": "mallory.testnet"})))
	require.Equal(t, http.StatusOK, get(sign(jwt.MapClaims{"sub": "ops.testnet", "scope": middleware.ScopeAdmin})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/drops/drop-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSettlementStreamThroughMiddleware(t *testing.T) {
	f := newFixture(t, succeed)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := stream.NewHub(logger, nil)
	f.engine.SetEmitter(hub)
	server := httptest.NewServer(New(Config{
		Engine:         f.engine,
		Observability:  middleware.NewObservability("test", nil, logger, false),
		Stream:         hub,
		MetricsHandler: http.NotFoundHandler(),
		Logger:         logger,
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/settlements/stream?drop_id=drop-1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	raw, err := json.Marshal(claimBody{PublicKey: f.key.String(), AccountID: "alice.testnet", PrepaidGas: claimGas()})
	require.NoError(t, err)
	resp, err := http.Post(server.URL+"/v1/claim", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var update stream.Update
	require.NoError(t, json.Unmarshal(data, &update))
	require.Equal(t, drops.EventTypeClaimFinalized, update.Type)
	require.Equal(t, "alice.testnet", update.Receiver)
	require.Equal(t, "0", update.Refunded)
}
