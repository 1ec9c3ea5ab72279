package tabsync

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/firstpeek/peek_api/shared"
)

// ProgressReporter is the server-facing side of a tab. Only the current
// leader calls it; followers never talk to the server directly.
type ProgressReporter interface {
	ReportProgress(secondsElapsed int, trigger string) error
	Terminate() error
}

type Options struct {
	// PingInterval is how often the leader heartbeats. Followers claim
	// leadership after LeaderTimeout without a ping.
	PingInterval  time.Duration
	LeaderTimeout time.Duration

	// MaxClaimDelay bounds the randomized wait a new tab observes after its
	// REQUEST_TIME goes unanswered, so simultaneously opened tabs do not all
	// claim at once.
	MaxClaimDelay time.Duration

	// TickInterval drives the actor's internal clock. Tests shrink it to
	// run elections in milliseconds.
	TickInterval time.Duration

	// ProgressInterval is how often the leader persists consumed time to the
	// server between threshold and unload reports.
	ProgressInterval time.Duration

	// PreviewDuration is the full countdown granted on first admission.
	// UsedThresholdSeconds marks the consumed-time point reported once with
	// the threshold trigger.
	PreviewDuration      time.Duration
	UsedThresholdSeconds int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.PingInterval <= 0 {
		opts.PingInterval = 2 * time.Second
	}
	if opts.LeaderTimeout <= 0 {
		opts.LeaderTimeout = 3 * time.Second
	}
	if opts.MaxClaimDelay <= 0 {
		opts.MaxClaimDelay = 500 * time.Millisecond
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 250 * time.Millisecond
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 15 * time.Second
	}
	if opts.PreviewDuration <= 0 {
		opts.PreviewDuration = 180 * time.Second
	}
	if opts.UsedThresholdSeconds <= 0 {
		opts.UsedThresholdSeconds = 150
	}
	return opts
}

// Tab is a single-goroutine actor coordinating one browser tab's view of the
// shared countdown. All state below the mutex-guarded snapshot is owned by
// the run loop and never touched from outside it.
type Tab struct {
	id       string
	bus      Bus
	storage  Storage
	reporter ProgressReporter
	opts     Options

	inbox       chan Message
	unsubscribe func()
	quit        chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup

	// loop-owned election and timer state
	leader            bool
	claimedAt         time.Time
	lastPing          time.Time
	claimDeadline     time.Time
	nextPing          time.Time
	expiry            time.Time
	ended             bool
	thresholdReported bool
	lastReport        time.Time

	mu       sync.Mutex
	snapshot state
}

type state struct {
	leader    bool
	remaining time.Duration
	ended     bool
}

func NewTab(bus Bus, storage Storage, reporter ProgressReporter, opts Options) *Tab {
	return &Tab{
		id:       uuid.NewString(),
		bus:      bus,
		storage:  storage,
		reporter: reporter,
		opts:     opts.withDefaults(),
		inbox:    make(chan Message, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (t *Tab) ID() string {
	return t.id
}

// Start joins the broadcast channel and begins participating. Without a bus
// there is nobody to coordinate with, so the tab is leader immediately.
func (t *Tab) Start() error {
	now := time.Now()

	if t.storage != nil {
		if ended, err := t.storage.Ended(); err == nil && ended {
			t.ended = true
			t.publishSnapshot(now)
			close(t.done)
			return nil
		}
		if expiry, ok, err := t.storage.LoadExpiry(); err == nil && ok {
			t.expiry = expiry
		}
	}

	if t.bus == nil {
		t.becomeLeader(now)
	} else {
		t.unsubscribe = t.bus.Subscribe(t.inbox)
		t.bus.Publish(Message{Kind: KindRequestTime, TabID: t.id})
		t.claimDeadline = now.Add(time.Duration(rand.Int63n(int64(t.opts.MaxClaimDelay))) + t.opts.MaxClaimDelay/2)
	}

	t.publishSnapshot(now)

	t.wg.Add(1)
	go t.run()
	return nil
}

// Stop withdraws the tab. A departing leader flushes one final progress
// report; peers notice the silence via heartbeat timeout, there is no
// explicit goodbye message.
func (t *Tab) Stop() {
	select {
	case <-t.quit:
		return
	default:
	}
	close(t.quit)
	t.wg.Wait()
}

// Done closes once the preview has ended, on this tab or any peer.
func (t *Tab) Done() <-chan struct{} {
	return t.done
}

func (t *Tab) IsLeader() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot.leader
}

func (t *Tab) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot.remaining
}

func (t *Tab) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot.ended
}

func (t *Tab) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.quit:
			t.shutdown()
			return
		case msg := <-t.inbox:
			t.handleMessage(msg, time.Now())
		case now := <-ticker.C:
			t.tick(now)
		}
	}
}

func (t *Tab) shutdown() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	if t.leader && !t.ended && t.reporter != nil && !t.expiry.IsZero() {
		consumed := t.consumedSeconds(time.Now())
		if err := t.reporter.ReportProgress(consumed, shared.TriggerUnload); err != nil {
			log.WithFields(log.Fields{"tab": t.id, "error": err}).Warn("Unload progress report failed")
		}
	}
}

func (t *Tab) handleMessage(msg Message, now time.Time) {
	if msg.TabID == t.id || t.ended {
		return
	}

	switch msg.Kind {
	case KindLeaderPing:
		t.lastPing = now
		t.claimDeadline = time.Time{}
		if t.leader && !msg.ClaimedAt.IsZero() {
			t.resolveConflict(msg.TabID, msg.ClaimedAt)
		}

	case KindLeaderClaim:
		if t.leader {
			t.resolveConflict(msg.TabID, msg.ClaimedAt)
		} else {
			t.lastPing = now
			t.claimDeadline = time.Time{}
		}

	case KindExpirySync:
		t.expiry = msg.ExpiresAt
		t.lastPing = now
		t.claimDeadline = time.Time{}
		if t.storage != nil {
			_ = t.storage.SaveExpiry(msg.ExpiresAt)
		}

	case KindTimerUpdate:
		// Relative fallback signal; the absolute expiry wins whenever both
		// arrive, since it is immune to drift from missed intervals.
		if t.expiry.IsZero() {
			t.expiry = now.Add(time.Duration(msg.RemainingSeconds) * time.Second)
		}

	case KindRequestTime:
		if t.leader && !t.expiry.IsZero() {
			t.publish(Message{Kind: KindExpirySync, TabID: t.id, ExpiresAt: t.expiry})
		}

	case KindPreviewEnded:
		t.finish(now, false)
	}

	t.publishSnapshot(now)
}

// resolveConflict settles double leadership: the earlier claim wins and the
// later claimant yields, with the tab id breaking exact-instant ties.
// Re-asserting our claim tells the loser to stand down when its claim is the
// later one.
func (t *Tab) resolveConflict(peerID string, peerClaimedAt time.Time) {
	peerWins := peerClaimedAt.Before(t.claimedAt) ||
		(peerClaimedAt.Equal(t.claimedAt) && peerID < t.id)
	if peerWins {
		log.WithFields(log.Fields{"tab": t.id}).Debug("Yielding leadership to earlier claim")
		t.leader = false
		t.lastPing = time.Now()
		return
	}
	t.publish(Message{Kind: KindLeaderClaim, TabID: t.id, ClaimedAt: t.claimedAt})
}

func (t *Tab) tick(now time.Time) {
	if t.ended {
		return
	}

	if !t.leader {
		timedOut := !t.lastPing.IsZero() && now.Sub(t.lastPing) > t.opts.LeaderTimeout
		unanswered := !t.claimDeadline.IsZero() && now.After(t.claimDeadline)
		if timedOut || unanswered {
			t.becomeLeader(now)
		}
		t.publishSnapshot(now)
		return
	}

	if now.After(t.nextPing) {
		t.publish(Message{Kind: KindLeaderPing, TabID: t.id, ClaimedAt: t.claimedAt})
		t.publish(Message{Kind: KindExpirySync, TabID: t.id, ExpiresAt: t.expiry})
		t.nextPing = now.Add(t.opts.PingInterval)
	}

	remaining := t.expiry.Sub(now)
	if remaining <= 0 {
		t.finish(now, true)
		t.publishSnapshot(now)
		return
	}

	t.publish(Message{Kind: KindTimerUpdate, TabID: t.id, RemainingSeconds: int(remaining.Round(time.Second) / time.Second)})
	t.reportProgress(now)
	t.publishSnapshot(now)
}

func (t *Tab) becomeLeader(now time.Time) {
	t.leader = true
	t.claimedAt = now
	t.claimDeadline = time.Time{}
	t.nextPing = now

	if t.expiry.IsZero() && t.storage != nil {
		if expiry, ok, err := t.storage.LoadExpiry(); err == nil && ok {
			t.expiry = expiry
		}
	}
	if t.expiry.IsZero() {
		t.expiry = now.Add(t.opts.PreviewDuration)
	}
	if t.storage != nil {
		_ = t.storage.SaveExpiry(t.expiry)
	}

	t.publish(Message{Kind: KindLeaderClaim, TabID: t.id, ClaimedAt: t.claimedAt})

	log.WithFields(log.Fields{"tab": t.id}).Debug("Claimed timer leadership")
}

func (t *Tab) reportProgress(now time.Time) {
	if t.reporter == nil {
		return
	}

	consumed := t.consumedSeconds(now)

	if !t.thresholdReported && consumed >= t.opts.UsedThresholdSeconds {
		t.thresholdReported = true
		t.lastReport = now
		if err := t.reporter.ReportProgress(consumed, shared.TriggerThreshold); err != nil {
			log.WithFields(log.Fields{"tab": t.id, "error": err}).Warn("Threshold progress report failed")
			return
		}
		t.publish(Message{Kind: KindProgressSaved, TabID: t.id})
		return
	}

	if t.lastReport.IsZero() {
		t.lastReport = now
		return
	}
	if now.Sub(t.lastReport) < t.opts.ProgressInterval {
		return
	}

	t.lastReport = now
	if err := t.reporter.ReportProgress(consumed, shared.TriggerPeriodic); err != nil {
		log.WithFields(log.Fields{"tab": t.id, "error": err}).Warn("Periodic progress report failed")
		return
	}
	t.publish(Message{Kind: KindProgressSaved, TabID: t.id})
}

func (t *Tab) publish(msg Message) {
	if t.bus != nil {
		t.bus.Publish(msg)
	}
}

func (t *Tab) finish(now time.Time, announce bool) {
	if t.ended {
		return
	}
	t.ended = true

	if announce {
		if t.reporter != nil {
			if err := t.reporter.Terminate(); err != nil {
				log.WithFields(log.Fields{"tab": t.id, "error": err}).Warn("Terminate call failed")
			}
		}
		if t.bus != nil {
			t.bus.Publish(Message{Kind: KindPreviewEnded, TabID: t.id})
		}
	}
	if t.storage != nil {
		_ = t.storage.MarkEnded()
	}

	close(t.done)
}

func (t *Tab) consumedSeconds(now time.Time) int {
	remaining := t.expiry.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	consumed := t.opts.PreviewDuration - remaining
	if consumed < 0 {
		consumed = 0
	}
	return int(consumed.Round(time.Second) / time.Second)
}

func (t *Tab) publishSnapshot(now time.Time) {
	remaining := time.Duration(0)
	if !t.expiry.IsZero() {
		remaining = t.expiry.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
	}

	t.mu.Lock()
	t.snapshot = state{leader: t.leader, remaining: remaining, ended: t.ended}
	t.mu.Unlock()
}
