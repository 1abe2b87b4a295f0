package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope-level timing bounds, matching the shared-bus nonce cache: a
// message may lag up to MaxMessageAge behind the receiver's clock or lead it
// by up to MaxFutureSkew. The nonce validity window is twice MaxMessageAge
// so that a nonce cannot be forgotten before its message could legally still
// be in flight.
const (
	MaxMessageAge       = 60 * time.Second
	MaxFutureSkew       = 10 * time.Second
	NonceValidityWindow = 2 * MaxMessageAge
	NonceGCInterval     = 10 * time.Second
	AuthTagSize         = 64
)

// CurrentVersion is the only AuthenticatedMessage.Version this build emits.
const CurrentVersion uint8 = 1

// supportedVersions is the allow-list Verify and Publish consult before
// anything else: a version this build does not understand is rejected
// before its tag is even examined, since a future wire format is not
// guaranteed to share this one's signing preimage layout.
var supportedVersions = map[uint8]bool{1: true}

func versionSupported(v uint8) bool { return supportedVersions[v] }

// AuthenticatedMessage is the envelope every subsystem exchanges over the
// event bus. The AuthTag covers every field below except itself.
type AuthenticatedMessage struct {
	Version       uint8
	SenderID      SubsystemId
	RecipientID   SubsystemId
	CorrelationID uuid.UUID
	ReplyTo       SubsystemId
	Nonce         uuid.UUID
	Timestamp     uint64
	AuthTag       [AuthTagSize]byte
	Payload       []byte
}

var (
	ErrEnvelopeTooOld     = errors.New("envelope: timestamp too old")
	ErrEnvelopeFromFuture = errors.New("envelope: timestamp from future")
	ErrNonceReused        = errors.New("envelope: nonce already used")
	ErrBadAuthTag         = errors.New("envelope: authentication tag mismatch")
	ErrUnknownRecipient   = errors.New("envelope: recipient not subscribed")
	ErrUnsupportedVersion = errors.New("envelope: unsupported version")
	ErrReplyToMismatch    = errors.New("envelope: reply-to does not match sender")
)

// VerifyResult is the outcome of Verify: exactly one of six values spanning
// the whole envelope authentication contract, not just the tag check.
type VerifyResult uint8

const (
	Valid VerifyResult = iota
	InvalidSignature
	ReplayDetected
	TimestampOutOfRange
	UnsupportedVersion
	ReplyToMismatch
)

func (r VerifyResult) String() string {
	switch r {
	case Valid:
		return "Valid"
	case InvalidSignature:
		return "InvalidSignature"
	case ReplayDetected:
		return "ReplayDetected"
	case TimestampOutOfRange:
		return "TimestampOutOfRange"
	case UnsupportedVersion:
		return "UnsupportedVersion"
	case ReplyToMismatch:
		return "ReplyToMismatch"
	default:
		return "unknown"
	}
}

// signingPreimage deterministically serialises every authenticated field of
// msg except the tag itself, so Sign and verify operate on the same bytes.
func signingPreimage(msg *AuthenticatedMessage) []byte {
	buf := make([]byte, 0, 64+len(msg.Payload))
	buf = append(buf, msg.Version, byte(msg.SenderID), byte(msg.RecipientID), byte(msg.ReplyTo))
	buf = append(buf, msg.CorrelationID[:]...)
	buf = append(buf, msg.Nonce[:]...)
	var ts [8]byte
	for i := 0; i < 8; i++ {
		ts[i] = byte(msg.Timestamp >> (56 - 8*i))
	}
	buf = append(buf, ts[:]...)
	buf = append(buf, msg.Payload...)
	return buf
}

// Sign computes the AuthTag for msg using key, a per-federation shared
// secret known to every subsystem. The tag is a SHA-256 HMAC padded to
// AuthTagSize to leave room for a stronger scheme without changing the wire
// shape.
func Sign(msg *AuthenticatedMessage, key []byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write(signingPreimage(msg))
	sum := mac.Sum(nil)
	var tag [AuthTagSize]byte
	copy(tag[:], sum)
	msg.AuthTag = tag
}

// VerifyTag reports whether msg's AuthTag matches its signing preimage under key.
func VerifyTag(msg *AuthenticatedMessage, key []byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write(signingPreimage(msg))
	sum := mac.Sum(nil)
	var want [AuthTagSize]byte
	copy(want[:], sum)
	return hmac.Equal(want[:], msg.AuthTag[:])
}

// Verify runs the full envelope authentication contract against msg: version
// support, then signature, then the timestamp window, then replay state,
// then reply-to consistency, in that order, stopping at the first failure.
// It is pure and performs no I/O — the replay check only peeks at nonces,
// never inserting into it, so a caller can run Verify speculatively before
// deciding whether to commit the nonce with NonceCache.ValidateAndAdd. A nil
// nonces skips the replay check.
func Verify(msg *AuthenticatedMessage, key []byte, nonces *NonceCache, now time.Time) VerifyResult {
	if !versionSupported(msg.Version) {
		return UnsupportedVersion
	}
	if !VerifyTag(msg, key) {
		return InvalidSignature
	}
	ts := time.Unix(int64(msg.Timestamp), 0)
	if ts.Before(now.Add(-MaxMessageAge)) || ts.After(now.Add(MaxFutureSkew)) {
		return TimestampOutOfRange
	}
	if nonces != nil {
		if _, dup := nonces.seen[msg.Nonce]; dup {
			return ReplayDetected
		}
	}
	if msg.ReplyTo != 0 && msg.ReplyTo != msg.SenderID {
		return ReplyToMismatch
	}
	return Valid
}

// NonceCache is a time-bounded replay cache. It enforces the timestamp
// window before ever touching the nonce set, then records the nonce for
// NonceValidityWindow so a later replay of the same message is rejected even
// after its timestamp has aged out of the admission window.
type NonceCache struct {
	seen      map[uuid.UUID]time.Time
	lastGC    time.Time
	gcEvery   time.Duration
	validFor  time.Duration
	nowFn     func() time.Time
}

// NewNonceCache creates a cache with the default 120s validity window and
// 10s GC cadence described by the shared-bus contract.
func NewNonceCache() *NonceCache {
	return &NonceCache{
		seen:     make(map[uuid.UUID]time.Time),
		lastGC:   time.Now(),
		gcEvery:  NonceGCInterval,
		validFor: NonceValidityWindow,
		nowFn:    time.Now,
	}
}

// ValidateAndAdd performs the envelope auth contract's timestamp check
// before the nonce check, and only inserts the nonce once both pass. Callers
// must not reorder these steps: the timestamp bound is what keeps the nonce
// set's memory usage bounded.
func (c *NonceCache) ValidateAndAdd(nonce uuid.UUID, ts time.Time) error {
	now := c.nowFn()

	if ts.Before(now.Add(-MaxMessageAge)) {
		return fmt.Errorf("%w: %s", ErrEnvelopeTooOld, ts)
	}
	if ts.After(now.Add(MaxFutureSkew)) {
		return fmt.Errorf("%w: %s", ErrEnvelopeFromFuture, ts)
	}

	if now.Sub(c.lastGC) > c.gcEvery {
		c.gc(now)
		c.lastGC = now
	}

	if _, dup := c.seen[nonce]; dup {
		return fmt.Errorf("%w: %s", ErrNonceReused, nonce)
	}

	c.seen[nonce] = ts
	return nil
}

func (c *NonceCache) gc(now time.Time) {
	expiry := now.Add(-c.validFor)
	for n, ts := range c.seen {
		if ts.Before(expiry) {
			delete(c.seen, n)
		}
	}
}

func (c *NonceCache) Len() int { return len(c.seen) }
