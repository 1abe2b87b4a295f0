package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// EventBus is the in-process authenticated publish/subscribe mechanism that
// every subsystem uses to talk to every other subsystem (§5: bus-only
// cross-subsystem communication). Each subscription gets its own bounded
// channel so a slow subscriber cannot stall publishers on other topics.
type EventBus struct {
	mu     sync.RWMutex
	key    []byte
	nonces *NonceCache
	subs   map[SubsystemId]chan AuthenticatedMessage
	chanSz int

	grp    *errgroup.Group
	cancel context.CancelFunc
}

const defaultSubscriptionBuffer = 256

var (
	busOnce sync.Once
	bus     *EventBus
)

// InitEventBus constructs the process-wide bus with the given HMAC key and
// starts its nonce-cache GC loop. It is idempotent; subsequent calls are
// no-ops, mirroring the ledger's previous sync.Once-guarded singleton.
func InitEventBus(ctx context.Context, key []byte) *EventBus {
	busOnce.Do(func() {
		cctx, cancel := context.WithCancel(ctx)
		grp, gctx := errgroup.WithContext(cctx)
		bus = &EventBus{
			key:    key,
			nonces: NewNonceCache(),
			subs:   make(map[SubsystemId]chan AuthenticatedMessage),
			chanSz: defaultSubscriptionBuffer,
			grp:    grp,
			cancel: cancel,
		}
		grp.Go(func() error { return bus.reapLoop(gctx) })
	})
	return bus
}

// Bus returns the process-wide event bus. It panics if InitEventBus has not
// been called, matching the teacher's fail-fast singleton access pattern.
func Bus() *EventBus {
	if bus == nil {
		panic("core: event bus accessed before InitEventBus")
	}
	return bus
}

// Subscribe registers recipient for delivery and returns its inbound
// channel. Calling Subscribe again for an already-subscribed id returns the
// same channel.
func (b *EventBus) Subscribe(recipient SubsystemId) <-chan AuthenticatedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[recipient]; ok {
		return ch
	}
	ch := make(chan AuthenticatedMessage, b.chanSz)
	b.subs[recipient] = ch
	return ch
}

// Unsubscribe closes and removes recipient's channel.
func (b *EventBus) Unsubscribe(recipient SubsystemId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[recipient]; ok {
		close(ch)
		delete(b.subs, recipient)
	}
}

// Publish runs msg through the envelope authentication contract (Verify),
// commits its nonce on success, then delivers it to its RecipientID's
// subscription. The full contract runs before the channel lookup so an
// unauthenticated message never reaches a subscriber.
func (b *EventBus) Publish(msg AuthenticatedMessage) error {
	now := time.Now()
	switch Verify(&msg, b.key, b.nonces, now) {
	case UnsupportedVersion:
		logrus.WithField("version", msg.Version).Warn("event bus: rejected envelope with unsupported version")
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, msg.Version)
	case InvalidSignature:
		logrus.WithFields(logrus.Fields{
			"sender":    msg.SenderID,
			"recipient": msg.RecipientID,
		}).Warn("event bus: rejected envelope with invalid auth tag")
		return ErrBadAuthTag
	case TimestampOutOfRange:
		ts := time.Unix(int64(msg.Timestamp), 0)
		err := error(ErrEnvelopeTooOld)
		if ts.After(now) {
			err = ErrEnvelopeFromFuture
		}
		logrus.WithFields(logrus.Fields{
			"sender": msg.SenderID,
			"nonce":  msg.Nonce,
		}).Warn("event bus: rejected envelope: ", err)
		return fmt.Errorf("%w: %s", err, ts)
	case ReplayDetected:
		logrus.WithFields(logrus.Fields{
			"sender": msg.SenderID,
			"nonce":  msg.Nonce,
		}).Warn("event bus: rejected envelope: nonce already used")
		return fmt.Errorf("%w: %s", ErrNonceReused, msg.Nonce)
	case ReplyToMismatch:
		logrus.WithFields(logrus.Fields{
			"sender":   msg.SenderID,
			"reply_to": msg.ReplyTo,
		}).Warn("event bus: rejected envelope with mismatched reply-to")
		return fmt.Errorf("%w: sender %d, reply_to %d", ErrReplyToMismatch, msg.SenderID, msg.ReplyTo)
	}

	ts := time.Unix(int64(msg.Timestamp), 0)
	if err := b.nonces.ValidateAndAdd(msg.Nonce, ts); err != nil {
		// Verify already checked the window and peeked the nonce above; this
		// can only fail here under a racing duplicate publish.
		return err
	}

	b.mu.RLock()
	ch, ok := b.subs[msg.RecipientID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRecipient, msg.RecipientID)
	}

	select {
	case ch <- msg:
		return nil
	default:
		logrus.WithField("recipient", msg.RecipientID).Warn("event bus: subscriber backpressure, dropping envelope")
		return fmt.Errorf("subscriber %d backpressured", msg.RecipientID)
	}
}

// NewEnvelope builds and signs an AuthenticatedMessage from sender to
// recipient carrying payload, stamping a fresh nonce and correlation id.
func (b *EventBus) NewEnvelope(sender, recipient, replyTo SubsystemId, payload []byte) AuthenticatedMessage {
	msg := AuthenticatedMessage{
		Version:       CurrentVersion,
		SenderID:      sender,
		RecipientID:   recipient,
		CorrelationID: uuid.New(),
		ReplyTo:       replyTo,
		Nonce:         uuid.New(),
		Timestamp:     uint64(time.Now().Unix()),
		Payload:       payload,
	}
	Sign(&msg, b.key)
	return msg
}

func (b *EventBus) reapLoop(ctx context.Context) error {
	// The nonce cache already self-GCs on every ValidateAndAdd call once
	// NonceGCInterval has elapsed; this loop only forces a sweep during
	// quiet periods so memory does not linger when traffic stops.
	ticker := time.NewTicker(NonceGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			b.nonces.gc(now)
		}
	}
}

// Shutdown cancels the bus's background goroutines and waits for them to
// exit.
func (b *EventBus) Shutdown() error {
	b.cancel()
	return b.grp.Wait()
}
