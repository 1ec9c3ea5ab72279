package tabsync

import (
	"sync"
	"time"
)

type MessageKind string

const (
	KindTimerUpdate   MessageKind = "TIMER_UPDATE"
	KindExpirySync    MessageKind = "EXPIRY_SYNC"
	KindLeaderPing    MessageKind = "LEADER_PING"
	KindLeaderClaim   MessageKind = "LEADER_CLAIM"
	KindRequestTime   MessageKind = "REQUEST_TIME"
	KindPreviewEnded  MessageKind = "PREVIEW_ENDED"
	KindProgressSaved MessageKind = "PROGRESS_SAVED"
)

// Message is the unit exchanged between tabs of the same visitor. Fields are
// populated per kind: RemainingSeconds for TIMER_UPDATE, ExpiresAt for
// EXPIRY_SYNC, ClaimedAt for LEADER_CLAIM and LEADER_PING.
type Message struct {
	Kind             MessageKind `json:"kind"`
	TabID            string      `json:"tab_id"`
	RemainingSeconds int         `json:"remaining_seconds,omitempty"`
	ExpiresAt        time.Time   `json:"expires_at,omitempty"`
	ClaimedAt        time.Time   `json:"claimed_at,omitempty"`
}

// Bus is the broadcast channel shared by all tabs of one visitor. Publish
// delivers to every subscriber, including the publisher; tabs filter out
// their own messages by TabID.
type Bus interface {
	Publish(msg Message)
	Subscribe(ch chan<- Message) (cancel func())
}

// LocalBus is the in-process Bus used by tests and by any host that keeps all
// tabs in one process. Delivery is best-effort: a subscriber whose channel is
// full misses the message, mirroring how a slow tab misses broadcasts.
type LocalBus struct {
	mu   sync.Mutex
	subs map[int]chan<- Message
	next int
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: map[int]chan<- Message{}}
}

func (b *LocalBus) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *LocalBus) Subscribe(ch chan<- Message) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs[id] = ch

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}
