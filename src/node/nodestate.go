package node

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

// NodeState holds the process-wide identifier generators: the
// Origin-State-Id, the end-to-end identifier counter, and the session-id
// sequencer.
type NodeState struct {
	stateID        uint32
	endToEnd       uint32
	sessionCounter uint64
}

// NewNodeState initialises the generators. The state-id is the boot time
// in seconds since the epoch; the end-to-end counter starts with its high
// 12 bits taken from the current time and its low 20 bits random, as
// described in RFC 3588 section 3.
func NewNodeState() *NodeState {
	now := uint32(time.Now().Unix())
	return &NodeState{
		stateID:  now,
		endToEnd: now<<20 | uint32(rand.Int31())&0x000fffff,
	}
}

// StateID returns the Origin-State-Id of this process.
func (s *NodeState) StateID() uint32 {
	return s.stateID
}

// NextEndToEndIdentifier returns a unique end-to-end identifier, wrapping
// at 2³².
func (s *NodeState) NextEndToEndIdentifier() uint32 {
	return atomic.AddUint32(&s.endToEnd, 1)
}

// NextSessionIDSecondPart returns the "<high>;<low>" portion of a
// session-id. The underlying counter is 64-bit so values never repeat for
// the life of the process, even across a 2³² rollover of the low part.
func (s *NodeState) NextSessionIDSecondPart() string {
	v := atomic.AddUint64(&s.sessionCounter, 1)
	return fmt.Sprintf("%d;%d", uint32(v>>32), uint32(v))
}
