package node

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
	"time"
)

// TimerAction is what RunTimers decides to do with a connection.
type TimerAction int

const (
	// TimerActionNone leaves the connection alone.
	TimerActionNone TimerAction = iota
	// TimerActionDisconnectNoCER closes a connection that never finished
	// its capability exchange.
	TimerActionDisconnectNoCER
	// TimerActionDisconnectNoDW closes a connection whose peer did not
	// answer a watchdog within one watchdog interval.
	TimerActionDisconnectNoDW
	// TimerActionDisconnectIdle closes a connection that carried no
	// application traffic for the idle timeout.
	TimerActionDisconnectIdle
	// TimerActionSendDWR tells the node to emit a device-watchdog
	// request.
	TimerActionSendDWR
)

// watchdogJitterBound is the RFC 3539 section 3.4.1 jitter applied to each
// scheduled watchdog: a deadline is tw plus a uniform offset in
// [-watchdogJitterBound, +watchdogJitterBound].
const watchdogJitterBound = 2 * time.Second

// JitterFunc returns a uniform offset applied to a scheduled watchdog
// deadline.
type JitterFunc func() time.Duration

// jitterSource produces watchdog jitter. It serialises access to a single
// math/rand generator which is seeded from the crypto RNG unless the bogus
// fallback was requested.
type jitterSource struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// newJitterSource seeds the generator. With bogus set, or when the crypto
// RNG is unreadable, the seed falls back to the wall clock; that deviates
// from RFC 3539 -> RFC 1750 and is only meant for entropy-starved hosts.
func newJitterSource(bogus bool) *jitterSource {
	var seed int64
	var raw [8]byte
	if !bogus {
		if _, err := rand.Read(raw[:]); err == nil {
			seed = int64(binary.BigEndian.Uint64(raw[:]))
		} else {
			bogus = true
		}
	}
	if bogus {
		seed = time.Now().UnixNano()
	}
	return &jitterSource{rng: mrand.New(mrand.NewSource(seed))}
}

// next returns a uniform offset in [-watchdogJitterBound, +watchdogJitterBound].
func (j *jitterSource) next() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	span := int64(2 * watchdogJitterBound)
	return time.Duration(j.rng.Int63n(span+1)) - watchdogJitterBound
}

// ConnectionTimers drives the per-connection keepalive, initial-handshake
// and idle expiry deadlines. All methods are called with the registry lock
// held or from the single driver loop owning the connection.
type ConnectionTimers struct {
	watchdogInterval time.Duration
	idleTimeout      time.Duration
	jitter           JitterFunc

	lastActivity     time.Time
	lastRealActivity time.Time
	lastDWRSent      time.Time
	dwOutstanding    bool
	nextDWR          time.Time
}

// NewConnectionTimers initialises the timers for a fresh connection. The
// CER deadline starts running immediately.
func NewConnectionTimers(jitter JitterFunc, watchdogInterval, idleTimeout time.Duration) *ConnectionTimers {
	now := time.Now()
	t := &ConnectionTimers{
		watchdogInterval: watchdogInterval,
		idleTimeout:      idleTimeout,
		jitter:           jitter,
		lastActivity:     now,
		lastRealActivity: now,
	}
	t.scheduleNextDWR(now)
	return t
}

func (t *ConnectionTimers) scheduleNextDWR(from time.Time) {
	t.nextDWR = from.Add(t.watchdogInterval + t.jitter())
}

// MarkActivity records that any frame arrived.
func (t *ConnectionTimers) MarkActivity() {
	t.lastActivity = time.Now()
}

// MarkRealActivity records that a non-base frame arrived, keeping the idle
// timer alive.
func (t *ConnectionTimers) MarkRealActivity() {
	t.lastRealActivity = time.Now()
}

// MarkDWR records an incoming watchdog request. The peer has proven
// liveness, so our own watchdog is rescheduled.
func (t *ConnectionTimers) MarkDWR() {
	t.scheduleNextDWR(time.Now())
}

// MarkDWA records an incoming watchdog answer.
func (t *ConnectionTimers) MarkDWA() {
	t.dwOutstanding = false
	t.scheduleNextDWR(time.Now())
}

// MarkDWROut records that we sent a watchdog request.
func (t *ConnectionTimers) MarkDWROut() {
	t.lastDWRSent = time.Now()
	t.dwOutstanding = true
}

// CalcNextTimeout returns the wall-time of the next timer event for the
// connection.
func (t *ConnectionTimers) CalcNextTimeout(ready bool) time.Time {
	var timeout time.Time
	if !ready {
		timeout = t.lastActivity.Add(t.watchdogInterval)
	} else if !t.dwOutstanding {
		timeout = t.nextDWR
	} else {
		timeout = t.lastDWRSent.Add(t.watchdogInterval)
	}
	if t.idleTimeout != 0 {
		idleCutoff := t.lastRealActivity.Add(t.idleTimeout)
		if idleCutoff.Before(timeout) {
			timeout = idleCutoff
		}
	}
	return timeout
}

// CalcAction returns the action the node should take on the connection
// now.
func (t *ConnectionTimers) CalcAction(ready bool) TimerAction {
	now := time.Now()
	if !ready {
		if !now.Before(t.lastActivity.Add(t.watchdogInterval)) {
			return TimerActionDisconnectNoCER
		}
		return TimerActionNone
	}
	if t.idleTimeout != 0 && !now.Before(t.lastRealActivity.Add(t.idleTimeout)) {
		return TimerActionDisconnectIdle
	}
	if t.dwOutstanding {
		if !now.Before(t.lastDWRSent.Add(t.watchdogInterval)) {
			return TimerActionDisconnectNoDW
		}
		return TimerActionNone
	}
	if !now.Before(t.nextDWR) {
		return TimerActionSendDWR
	}
	return TimerActionNone
}
