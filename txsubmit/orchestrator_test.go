package txsubmit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRaceConfig() RaceConfig {
	return RaceConfig{
		HeadStart:       20 * time.Millisecond,
		AttemptTimeout:  300 * time.Millisecond,
		TotalBudget:     2 * time.Second,
		MinExpiryBudget: 10 * time.Millisecond,
	}
}

func newTestBundleClient(t *testing.T, name, url string) *BundleClient {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	client, err := NewBundleClient(log, ProviderEndpoint{
		Name:    name,
		Kind:    KindBundleRelay,
		URL:     url,
		Timeout: time.Second,
	}, nil, false)
	require.NoError(t, err)
	return client
}

func newTestOrchestrator(t *testing.T, cfg RaceConfig, breakers *BreakerRegistry, relays []*BundleClient, rpc *RPCBackend, verifier *Verifier) *Orchestrator {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	composer := NewComposer(log, DefaultFeeConfig(), &fakeBlockhashSource{hash: testBlockhash()}, nil)
	return NewOrchestrator(log, cfg, breakers, composer, relays, rpc, verifier)
}

// relayServer answers sendBundle with a fixed bundle id and counts hits.
func relayServer(t *testing.T, bundleID string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return newRPCTestServer(t, func(call rpcCall) (interface{}, map[string]interface{}) {
		require.Equal(t, "sendBundle", call.Method)
		if hits != nil {
			hits.Add(1)
		}
		return bundleID, nil
	})
}

func TestSubmit_RelayWins(t *testing.T) {
	payload := testSignedPayload(t, time.Hour)

	var relayHits, rpcHits atomic.Int64
	relaySrv := relayServer(t, "bundle-1", &relayHits)
	defer relaySrv.Close()
	rpcSrv := newRPCTestServer(t, func(call rpcCall) (interface{}, map[string]interface{}) {
		rpcHits.Add(1)
		return payload.Signature().String(), nil
	})
	defer rpcSrv.Close()

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	breakers := NewBreakerRegistry(log, 3, time.Minute)
	rpc := NewRPCBackend(newTestRPCProvider(t, "rpc-primary", rpcSrv.URL), nil, breakers)
	relays := []*BundleClient{newTestBundleClient(t, "jito-ny", relaySrv.URL)}
	orch := newTestOrchestrator(t, testRaceConfig(), breakers, relays, rpc, nil)

	outcome := orch.Submit(context.Background(), payload, 1.0, UrgencyMedium)
	require.True(t, outcome.Success)
	require.Equal(t, "jito-ny", outcome.Provider)
	require.Equal(t, "bundle-1", outcome.BundleID)
	require.Equal(t, payload.Signature(), outcome.Signature)
	require.Equal(t, int64(1), relayHits.Load())
	// a won race never touches the direct path
	require.Zero(t, rpcHits.Load())

	require.Len(t, outcome.Attempts, 1)
	require.Equal(t, AttemptSuccess, outcome.Attempts[0].Outcome)
}

func TestSubmit_SlowLeaderLosesToStaggeredSecond(t *testing.T) {
	payload := testSignedPayload(t, time.Hour)

	// the leader relay hangs well past the head start
	slowSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		var call rpcCall
		_ = json.NewDecoder(r.Body).Decode(&call)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": call.ID, "result": "bundle-slow"})
	}))
	defer slowSrv.Close()
	fastSrv := relayServer(t, "bundle-fast", nil)
	defer fastSrv.Close()

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	breakers := NewBreakerRegistry(log, 3, time.Minute)
	relays := []*BundleClient{
		newTestBundleClient(t, "jito-slow", slowSrv.URL),
		newTestBundleClient(t, "jito-fast", fastSrv.URL),
	}
	orch := newTestOrchestrator(t, testRaceConfig(), breakers, relays, nil, nil)

	outcome := orch.Submit(context.Background(), payload, 1.0, UrgencyMedium)
	require.True(t, outcome.Success)
	require.Equal(t, "jito-fast", outcome.Provider)
	require.Equal(t, "bundle-fast", outcome.BundleID)

	// the abandoned leader is recorded as skipped, not failed, and its
	// breaker is untouched
	var sawSkipped bool
	for _, att := range outcome.Attempts {
		if att.Provider == "jito-slow" {
			require.Equal(t, AttemptSkipped, att.Outcome)
			sawSkipped = true
		}
	}
	require.True(t, sawSkipped)
	_, failures := breakers.State("jito-slow")
	require.Zero(t, failures)
}

func TestSubmit_FallbackToDirectRPC(t *testing.T) {
	payload := testSignedPayload(t, time.Hour)

	relaySrv := newRPCTestServer(t, func(call rpcCall) (interface{}, map[string]interface{}) {
		return nil, map[string]interface{}{"code": -32600, "message": "bundle rejected"}
	})
	defer relaySrv.Close()
	rpcSrv := newRPCTestServer(t, func(call rpcCall) (interface{}, map[string]interface{}) {
		return payload.Signature().String(), nil
	})
	defer rpcSrv.Close()

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	breakers := NewBreakerRegistry(log, 3, time.Minute)
	rpc := NewRPCBackend(newTestRPCProvider(t, "rpc-primary", rpcSrv.URL), nil, breakers)
	relays := []*BundleClient{newTestBundleClient(t, "jito-ny", relaySrv.URL)}
	orch := newTestOrchestrator(t, testRaceConfig(), breakers, relays, rpc, nil)

	outcome := orch.Submit(context.Background(), payload, 1.0, UrgencyMedium)
	require.True(t, outcome.Success)
	require.Equal(t, "rpc-primary", outcome.Provider)
	require.Empty(t, outcome.BundleID)

	// the relay rejection counted against its breaker
	_, failures := breakers.State("jito-ny")
	require.Equal(t, 1, failures)

	require.Len(t, outcome.Attempts, 2)
	require.Equal(t, AttemptFailure, outcome.Attempts[0].Outcome)
	require.Equal(t, AttemptSuccess, outcome.Attempts[1].Outcome)
}

func TestSubmit_AllPathsExhausted(t *testing.T) {
	payload := testSignedPayload(t, time.Hour)

	relaySrv := newRPCTestServer(t, func(call rpcCall) (interface{}, map[string]interface{}) {
		return nil, map[string]interface{}{"code": -32600, "message": "bundle rejected"}
	})
	defer relaySrv.Close()
	rpcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer rpcSrv.Close()

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	breakers := NewBreakerRegistry(log, 3, time.Minute)
	rpc := NewRPCBackend(newTestRPCProvider(t, "rpc-primary", rpcSrv.URL), nil, breakers)
	relays := []*BundleClient{newTestBundleClient(t, "jito-ny", relaySrv.URL)}
	orch := newTestOrchestrator(t, testRaceConfig(), breakers, relays, rpc, nil)

	outcome := orch.Submit(context.Background(), payload, 1.0, UrgencyMedium)
	require.False(t, outcome.Success)

	var exhausted *ExhaustedError
	require.ErrorAs(t, outcome.Err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
}

func TestSubmit_NoRPCBackendConfigured(t *testing.T) {
	payload := testSignedPayload(t, time.Hour)

	relaySrv := newRPCTestServer(t, func(call rpcCall) (interface{}, map[string]interface{}) {
		return nil, map[string]interface{}{"code": -32600, "message": "bundle rejected"}
	})
	defer relaySrv.Close()

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	breakers := NewBreakerRegistry(log, 3, time.Minute)
	relays := []*BundleClient{newTestBundleClient(t, "jito-ny", relaySrv.URL)}
	orch := newTestOrchestrator(t, testRaceConfig(), breakers, relays, nil, nil)

	outcome := orch.Submit(context.Background(), payload, 1.0, UrgencyMedium)
	require.False(t, outcome.Success)

	var exhausted *ExhaustedError
	require.ErrorAs(t, outcome.Err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	require.ErrorIs(t, exhausted.Attempts[1].Err, ErrNoRPCEndpoint)
}

func TestSubmit_OpenBreakerSkipsRelay(t *testing.T) {
	payload := testSignedPayload(t, time.Hour)

	var relayHits atomic.Int64
	relaySrv := relayServer(t, "bundle-1", &relayHits)
	defer relaySrv.Close()
	rpcSrv := newRPCTestServer(t, func(call rpcCall) (interface{}, map[string]interface{}) {
		return payload.Signature().String(), nil
	})
	defer rpcSrv.Close()

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	breakers := NewBreakerRegistry(log, 3, time.Minute)
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("jito-ny")
	}
	rpc := NewRPCBackend(newTestRPCProvider(t, "rpc-primary", rpcSrv.URL), nil, breakers)
	relays := []*BundleClient{newTestBundleClient(t, "jito-ny", relaySrv.URL)}
	orch := newTestOrchestrator(t, testRaceConfig(), breakers, relays, rpc, nil)

	outcome := orch.Submit(context.Background(), payload, 1.0, UrgencyMedium)
	require.True(t, outcome.Success)
	require.Equal(t, "rpc-primary", outcome.Provider)
	require.Zero(t, relayHits.Load())

	require.Equal(t, AttemptSkipped, outcome.Attempts[0].Outcome)
	require.ErrorIs(t, outcome.Attempts[0].Err, ErrCircuitOpen)
}

func TestSubmit_ThinExpiryGoesDirect(t *testing.T) {
	// almost no lifetime left: racing is pointless, dispatch direct at once
	payload := testSignedPayload(t, 100*time.Millisecond)

	var relayHits atomic.Int64
	relaySrv := relayServer(t, "bundle-1", &relayHits)
	defer relaySrv.Close()
	rpcSrv := newRPCTestServer(t, func(call rpcCall) (interface{}, map[string]interface{}) {
		return payload.Signature().String(), nil
	})
	defer rpcSrv.Close()

	cfg := testRaceConfig()
	cfg.MinExpiryBudget = 500 * time.Millisecond

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	breakers := NewBreakerRegistry(log, 3, time.Minute)
	rpc := NewRPCBackend(newTestRPCProvider(t, "rpc-primary", rpcSrv.URL), nil, breakers)
	relays := []*BundleClient{newTestBundleClient(t, "jito-ny", relaySrv.URL)}
	orch := newTestOrchestrator(t, cfg, breakers, relays, rpc, nil)

	outcome := orch.Submit(context.Background(), payload, 1.0, UrgencyHigh)
	require.True(t, outcome.Success)
	require.Equal(t, "rpc-primary", outcome.Provider)
	require.Zero(t, relayHits.Load())
}

func TestSubmit_BoundedByTotalBudget(t *testing.T) {
	payload := testSignedPayload(t, time.Hour)

	hang := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	relaySrv := httptest.NewServer(hang)
	defer relaySrv.Close()
	rpcSrv := httptest.NewServer(hang)
	defer rpcSrv.Close()

	cfg := testRaceConfig()
	cfg.AttemptTimeout = 150 * time.Millisecond
	cfg.TotalBudget = 400 * time.Millisecond

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	breakers := NewBreakerRegistry(log, 3, time.Minute)
	rpc := NewRPCBackend(newTestRPCProvider(t, "rpc-primary", rpcSrv.URL), nil, breakers)
	relays := []*BundleClient{newTestBundleClient(t, "jito-ny", relaySrv.URL)}
	orch := newTestOrchestrator(t, cfg, breakers, relays, rpc, nil)

	start := time.Now()
	outcome := orch.Submit(context.Background(), payload, 1.0, UrgencyMedium)
	elapsed := time.Since(start)

	require.False(t, outcome.Success)
	require.Less(t, elapsed, 2*time.Second)

	// the timed-out relay attempt counts against its breaker
	_, failures := breakers.State("jito-ny")
	require.Equal(t, 1, failures)
}

func TestSubmitAndVerify(t *testing.T) {
	payload := testSignedPayload(t, time.Hour)

	relaySrv := relayServer(t, "bundle-1", nil)
	defer relaySrv.Close()

	newOrch := func(t *testing.T, responses []fakeStatusResponse) *Orchestrator {
		log, err := zap.NewDevelopment()
		require.NoError(t, err)
		breakers := NewBreakerRegistry(log, 3, time.Minute)
		verifier := newTestVerifier(t, testSchedule(), &fakeQuerier{name: "rpc-primary", responses: responses})
		relays := []*BundleClient{newTestBundleClient(t, "jito-ny", relaySrv.URL)}
		return newTestOrchestrator(t, testRaceConfig(), breakers, relays, nil, verifier)
	}

	t.Run("confirmed", func(t *testing.T) {
		orch := newOrch(t, []fakeStatusResponse{
			{status: &StatusResult{Found: true, ConfirmationStatus: "confirmed"}},
		})
		outcome := orch.SubmitAndVerify(context.Background(), payload, 1.0, UrgencyMedium)
		require.True(t, outcome.Success)
		require.True(t, outcome.Verified)
		require.Equal(t, StateConfirmed, outcome.FinalState)
	})

	t.Run("failed on chain", func(t *testing.T) {
		orch := newOrch(t, []fakeStatusResponse{
			{status: &StatusResult{Found: true, Err: "BlockhashNotFound"}},
		})
		outcome := orch.SubmitAndVerify(context.Background(), payload, 1.0, UrgencyMedium)
		// dispatched fine, but the chain rejected it: the call is a failure
		require.False(t, outcome.Success)
		require.Equal(t, StateFailedOnChain, outcome.FinalState)
		require.NotNil(t, outcome.DecodedError)
		require.Equal(t, CodeBlockhashExpired, outcome.DecodedError.Code)
	})

	t.Run("unconfirmed", func(t *testing.T) {
		orch := newOrch(t, []fakeStatusResponse{
			{status: &StatusResult{Found: false}},
		})
		outcome := orch.SubmitAndVerify(context.Background(), payload, 1.0, UrgencyMedium)
		require.Equal(t, StateNotFound, outcome.FinalState)
		require.ErrorIs(t, outcome.Err, ErrUnconfirmed)
	})
}
