package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGatewayBridgeQueryResolveRoundTrip(t *testing.T) {
	b := newTestBus(t)
	b.Subscribe(SubsystemGateway)
	g := NewGatewayBridge(b, SubsystemStateManagement)

	resultCh := make(chan ApiQueryResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := g.Query(context.Background(), ApiQuery{Target: "balance"})
		resultCh <- resp
		errCh <- err
	}()

	// Simulate the gateway answering: pull the published envelope, recover
	// the correlation id, and resolve it.
	env := <-b.subs[SubsystemGateway]
	var sent ApiQuery
	require.NoError(t, json.Unmarshal(env.Payload, &sent))

	g.Resolve(ApiQueryResponse{CorrelationID: sent.CorrelationID, Source: SubsystemGateway, Result: ApiQueryResult{Value: []byte(`"ok"`)}})

	require.NoError(t, <-errCh)
	resp := <-resultCh
	require.Equal(t, sent.CorrelationID, resp.CorrelationID)
}

func TestGatewayBridgeQueryTimesOutWithoutResponse(t *testing.T) {
	b := newTestBus(t)
	b.Subscribe(SubsystemGateway)
	g := NewGatewayBridge(b, SubsystemStateManagement)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Query(ctx, ApiQuery{Target: "balance"})
	require.Error(t, err)
}

func TestGatewayBridgeResolveDropsUnknownCorrelationID(t *testing.T) {
	b := newTestBus(t)
	g := NewGatewayBridge(b, SubsystemStateManagement)
	// Must not panic when nothing is waiting.
	g.Resolve(ApiQueryResponse{CorrelationID: uuid.New()})
}

func TestGatewayBridgeSweepExpiredEvictsStalePending(t *testing.T) {
	b := newTestBus(t)
	b.Subscribe(SubsystemGateway)
	g := NewGatewayBridge(b, SubsystemStateManagement)

	id := uuid.New()
	ch := make(chan ApiQueryResponse, 1)
	g.pending[id] = ch
	g.issued[id] = time.Now().Add(-2 * GatewayQueryTimeout)

	evicted := g.SweepExpired(time.Now())
	require.Equal(t, 1, evicted)

	select {
	case resp := <-ch:
		require.Equal(t, int32(-1), resp.Result.ErrCode)
	default:
		t.Fatal("expected evicted caller to be unblocked")
	}
}

func TestStateWriteGateRejectsUnauthorizedSender(t *testing.T) {
	var applied bool
	gate := NewStateWriteGate(func(req StateWriteRequest) error {
		applied = true
		return nil
	})

	msg := AuthenticatedMessage{SenderID: SubsystemGateway}
	err := gate.Handle(msg, StateWriteRequest{})
	require.ErrorIs(t, err, ErrUnauthorizedStateWriter)
	require.False(t, applied)
}

func TestStateWriteGateAppliesAuthorizedWrite(t *testing.T) {
	var applied StateWriteRequest
	gate := NewStateWriteGate(func(req StateWriteRequest) error {
		applied = req
		return nil
	})

	msg := AuthenticatedMessage{SenderID: SubsystemContractExecution}
	req := StateWriteRequest{Account: Address{1}}
	require.NoError(t, gate.Handle(msg, req))
	require.Equal(t, req, applied)
}
