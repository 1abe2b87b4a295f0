package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// This file implements the thin collaborator contracts of §6.3: subsystems
// the core talks to only across the event bus, never by direct call. Each of
// 07 (bloom filters), 10 (signature verification), 11 (contract execution),
// 13 (SPV), 15 (cross-chain) and 16 (gateway) owns its own domain; the core
// exposes or consumes only the narrow event pair named below.

// ApiQuery is the gateway's (16) request shape: an external JSON-RPC/
// WebSocket call translated into a bus event carrying a correlation id the
// core echoes back on ApiQueryResponse.
type ApiQuery struct {
	CorrelationID uuid.UUID
	Target        string
	Method        string
	Params        json.RawMessage
}

// ApiQueryResult carries either a JSON result or a gateway-facing error, per
// §6.1's Result<json, {code,message}> payload shape.
type ApiQueryResult struct {
	Value   json.RawMessage
	ErrCode int32
	ErrMsg  string
}

// ApiQueryResponse answers an ApiQuery, correlated by id.
type ApiQueryResponse struct {
	CorrelationID uuid.UUID
	Source        SubsystemId
	Result        ApiQueryResult
}

var ErrGatewayTimeout = errors.New("gateway: query timed out")

// GatewayQueryTimeout bounds how long a pending ApiQuery waits for its
// ApiQueryResponse before the TTL sweep evicts it.
const GatewayQueryTimeout = 10 * time.Second

// GatewayBridge holds the oneshot correlation state for in-flight gateway
// queries, matching §5's cancellation contract: a dropped subscription
// resolves cleanly, and a TTL sweep evicts anything left unanswered.
type GatewayBridge struct {
	mu      sync.Mutex
	pending map[uuid.UUID]chan ApiQueryResponse
	issued  map[uuid.UUID]time.Time
	bus     *EventBus
	self    SubsystemId
}

// NewGatewayBridge builds a bridge that issues ApiQuery envelopes as self.
func NewGatewayBridge(bus *EventBus, self SubsystemId) *GatewayBridge {
	return &GatewayBridge{
		pending: make(map[uuid.UUID]chan ApiQueryResponse),
		issued:  make(map[uuid.UUID]time.Time),
		bus:     bus,
		self:    self,
	}
}

// Query sends an ApiQuery to the gateway and blocks until its matching
// ApiQueryResponse arrives, ctx is cancelled, or GatewayQueryTimeout elapses.
func (g *GatewayBridge) Query(ctx context.Context, q ApiQuery) (ApiQueryResponse, error) {
	q.CorrelationID = uuid.New()
	ch := make(chan ApiQueryResponse, 1)

	g.mu.Lock()
	g.pending[q.CorrelationID] = ch
	g.issued[q.CorrelationID] = time.Now()
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, q.CorrelationID)
		delete(g.issued, q.CorrelationID)
		g.mu.Unlock()
	}()

	payload, err := json.Marshal(q)
	if err != nil {
		return ApiQueryResponse{}, err
	}
	env := g.bus.NewEnvelope(g.self, SubsystemGateway, g.self, payload)
	if err := g.bus.Publish(env); err != nil {
		return ApiQueryResponse{}, err
	}

	timer := time.NewTimer(GatewayQueryTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return ApiQueryResponse{}, ErrGatewayTimeout
	case <-ctx.Done():
		return ApiQueryResponse{}, ctx.Err()
	}
}

// Resolve delivers an ApiQueryResponse to its waiting caller, if any is still
// pending; a response for an already-evicted or unknown correlation id is
// silently dropped.
func (g *GatewayBridge) Resolve(resp ApiQueryResponse) {
	g.mu.Lock()
	ch, ok := g.pending[resp.CorrelationID]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Listen subscribes the bridge to its own inbox and resolves every delivered
// ApiQueryResponse against its pending correlation map, until ctx is
// cancelled. Without this loop Resolve is only ever reachable from a
// hand-written test; with it, a response published by whatever subsystem
// answered the query actually reaches the caller blocked in Query.
func (g *GatewayBridge) Listen(ctx context.Context) error {
	ch := g.bus.Subscribe(g.self)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.SenderID == g.self {
				continue // our own outbound ApiQuery, not a response
			}
			var resp ApiQueryResponse
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				logrus.WithError(err).Debug("gateway: envelope not dispatched")
				continue
			}
			g.Resolve(resp)
		}
	}
}

// SweepExpired evicts pending queries older than GatewayQueryTimeout,
// unblocking each waiting caller with a response whose Result carries
// ErrCode -1 and ErrGatewayTimeout's message (Query then returns that
// response with a nil error). Run periodically.
func (g *GatewayBridge) SweepExpired(now time.Time) int {
	g.mu.Lock()
	var expired []uuid.UUID
	for id, issuedAt := range g.issued {
		if now.Sub(issuedAt) >= GatewayQueryTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		if ch, ok := g.pending[id]; ok {
			select {
			case ch <- ApiQueryResponse{CorrelationID: id, Result: ApiQueryResult{ErrCode: -1, ErrMsg: ErrGatewayTimeout.Error()}}:
			default:
			}
		}
		delete(g.pending, id)
		delete(g.issued, id)
	}
	g.mu.Unlock()
	return len(expired)
}

// StorageLocationValue pairs a storage slot with its 32-byte value, the unit
// of exchange between the state engine and contract execution (11).
type StorageLocationValue struct {
	Location StorageLocation
	Value    Hash
}

// StateReadRequest asks the state engine for a set of account/storage
// values, issued by contract execution (11) while running a transaction.
type StateReadRequest struct {
	CorrelationID uuid.UUID
	Account       Address
	Slots         []Hash
}

// StateWriteRequest applies the result of a contract execution to state.
// Per §6.3, only subsystem 11 is authorised to send this; anything else is
// a forged write and must be rejected before it touches the trie.
type StateWriteRequest struct {
	Account Address
	Writes  []StorageLocationValue
}

var ErrUnauthorizedStateWriter = errors.New("state: write request from unauthorized subsystem")

// StateWriteGate enforces that only subsystem 11 may mutate state, applying
// an authorised write via apply. It is the one checkpoint every
// StateWriteRequest must pass through regardless of how it reached the node.
type StateWriteGate struct {
	apply func(StateWriteRequest) error
}

// NewStateWriteGate builds a gate that forwards authorised writes to apply.
func NewStateWriteGate(apply func(StateWriteRequest) error) *StateWriteGate {
	return &StateWriteGate{apply: apply}
}

// Handle processes an inbound StateWriteRequest envelope, rejecting it
// outright unless it was sent by contract execution (11).
func (g *StateWriteGate) Handle(msg AuthenticatedMessage, req StateWriteRequest) error {
	if msg.SenderID != SubsystemContractExecution {
		logrus.WithField("sender", msg.SenderID).Warn("state: rejected StateWriteRequest from unauthorized sender")
		return ErrUnauthorizedStateWriter
	}
	return g.apply(req)
}

// ReadOnlyCollaborator names a subsystem that only consumes block/tx/state
// events as a passive subscriber — it never addresses a request back into
// the core, so there is nothing for the core to gate or answer. SPV (13),
// cross-chain (15) and bloom filters (07) are all read-only collaborators in
// this sense; they are listed here so the event bus's subscriber set and any
// operator-facing topology dump can name them without a bespoke type per
// subsystem.
var ReadOnlyCollaborators = []SubsystemId{
	SubsystemBloomFilters,
	SubsystemSPV,
	SubsystemCrossChain,
}
