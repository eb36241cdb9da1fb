package chaincall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keydrop/core/promise"
	"keydrop/core/types"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestExecutor(t *testing.T, url string, retries int) *Executor {
	t.Helper()
	exec, err := New(Config{Endpoint: url, AuthToken: "secret", Signer: "keypom.testnet", Timeout: time.Second, Retries: retries},
		WithLogger(quietLogger()))
	require.NoError(t, err)
	return exec
}

func TestExecuteFunctionCall(t *testing.T) {
	var got rpcRequest
	var params actionParams
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var raw struct {
			rpcRequest
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		got = raw.rpcRequest
		require.NoError(t, json.Unmarshal(raw.Params, &params))
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"status":"success","value":"` +
			base64.StdEncoding.EncodeToString([]byte(`"ok"`)) + `"}}`))
	}))
	defer server.Close()

	exec := newTestExecutor(t, server.URL, 0)
	action := promise.Action{
		Kind:    promise.ActionFunctionCall,
		Method:  "ft_transfer",
		Args:    []byte(`{"amount":"5"}`),
		Deposit: big.NewInt(1),
		Gas:     types.TeraGas(5),
	}
	out, err := exec.Execute(context.Background(), "token.testnet", action)
	require.NoError(t, err)
	require.Equal(t, `"ok"`, string(out))
	require.Equal(t, methodFunctionCall, got.Method)
	require.Equal(t, "token.testnet", params.ReceiverID)
	require.Equal(t, "keypom.testnet", params.SignerID)
	require.Equal(t, "ft_transfer", params.MethodName)
	require.Equal(t, "1", params.Deposit)
	require.Equal(t, uint64(types.TeraGas(5)), params.Gas)
	args, err := base64.StdEncoding.DecodeString(params.Args)
	require.NoError(t, err)
	require.JSONEq(t, `{"amount":"5"}`, string(args))
}

func TestExecuteClassifiesRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"status":"failure","error":"receiver not registered"}}`))
	}))
	defer server.Close()

	_, err := newTestExecutor(t, server.URL, 0).Execute(context.Background(), "alice.testnet",
		promise.Action{Kind: promise.ActionTransfer, Deposit: big.NewInt(3)})
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, promise.StatusRejected, promise.Failure(err).Status)
}

func TestExecuteClassifiesRPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"no such account"}}`))
	}))
	defer server.Close()

	_, err := newTestExecutor(t, server.URL, 0).Execute(context.Background(), "alice.testnet",
		promise.Action{Kind: promise.ActionTransfer, Deposit: big.NewInt(3)})
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "no such account")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestExecuteRetriesOnlyUnsentRequests(t *testing.T) {
	var served int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&served, 1)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"status":"success"}}`))
	}))
	defer server.Close()

	var dials int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&dials, 1) < 3 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return http.DefaultTransport.RoundTrip(r)
	})}
	exec, err := New(Config{Endpoint: server.URL, Retries: 2}, WithLogger(quietLogger()), WithHTTPClient(client))
	require.NoError(t, err)

	out, err := exec.Execute(context.Background(), "alice.testnet",
		promise.Action{Kind: promise.ActionTransfer, Deposit: big.NewInt(3)})
	require.NoError(t, err)
	require.Nil(t, out)
	require.Equal(t, int32(3), atomic.LoadInt32(&dials))
	require.Equal(t, int32(1), atomic.LoadInt32(&served))
}

func TestExecuteNeverResendsTimedOutAction(t *testing.T) {
	var applied int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The node applies the transfer, then answers too late.
		if atomic.AddInt32(&applied, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"status":"success"}}`))
	}))
	defer server.Close()

	exec, err := New(Config{Endpoint: server.URL, Timeout: 100 * time.Millisecond, Retries: 2}, WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), "token.testnet", promise.Action{
		Kind:   promise.ActionFunctionCall,
		Method: "ft_transfer",
		Args:   []byte(`{"amount":"100"}`),
	})
	require.ErrorIs(t, err, promise.ErrUnreachable)
	require.Equal(t, promise.StatusUnreachable, promise.Failure(err).Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&applied))
}

func TestExecuteDoesNotResendAfterServerError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestExecutor(t, server.URL, 2).Execute(context.Background(), "alice.testnet",
		promise.Action{Kind: promise.ActionTransfer, Deposit: big.NewInt(3)})
	require.ErrorIs(t, err, promise.ErrUnreachable)
	require.Equal(t, promise.StatusUnreachable, promise.Failure(err).Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestExecuteMissingStatusIsUnreachable(t *testing.T) {
	bodies := map[string]string{
		"null result":  `{"jsonrpc":"2.0","id":1,"result":null}`,
		"empty object": `{"jsonrpc":"2.0","id":1,"result":{}}`,
		"no result":    `{"jsonrpc":"2.0","id":1}`,
		"blank status": `{"jsonrpc":"2.0","id":1,"result":{"status":"  "}}`,
		"value only":   `{"jsonrpc":"2.0","id":1,"result":{"value":"` + base64.StdEncoding.EncodeToString([]byte("1")) + `"}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer server.Close()

			_, err := newTestExecutor(t, server.URL, 0).Execute(context.Background(), "alice.testnet",
				promise.Action{Kind: promise.ActionTransfer, Deposit: big.NewInt(3)})
			require.ErrorIs(t, err, promise.ErrUnreachable)
			require.False(t, promise.Failure(err).Succeeded())
		})
	}
}

func TestExecuteDoesNotRetryRejection(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestExecutor(t, server.URL, 3).Execute(context.Background(), "alice.testnet",
		promise.Action{Kind: promise.ActionTransfer})
	require.True(t, errors.Is(err, ErrRejected))
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestExecuteUnknownStatusIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"status":"pending"}}`))
	}))
	defer server.Close()

	_, err := newTestExecutor(t, server.URL, 0).Execute(context.Background(), "alice.testnet",
		promise.Action{Kind: promise.ActionTransfer})
	require.ErrorIs(t, err, promise.ErrUnreachable)
}

func TestExecuteDrivesScheduler(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"status":"success"}}`))
	}))
	defer server.Close()

	sched := promise.NewScheduler(newTestExecutor(t, server.URL, 0), promise.WithLogger(quietLogger()))
	p := promise.New("token.testnet").
		FunctionCall("storage_deposit", []byte(`{}`), big.NewInt(10), types.TeraGas(5)).
		FunctionCall("ft_transfer", []byte(`{}`), big.NewInt(1), types.TeraGas(5))
	var outcomes []promise.Outcome
	_, err := p.Then(func(ctx context.Context, out []promise.Outcome) (*promise.Promise, error) {
		outcomes = out
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, sched.Run(context.Background(), p))
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Succeeded())
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Config{Endpoint: " "})
	require.Error(t, err)
	_, err = New(Config{Endpoint: "http://localhost", Retries: -1})
	require.Error(t, err)
}
