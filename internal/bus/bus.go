package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultHistoryCapacity = 10000
	DefaultHistoryKeep     = 5000
	defaultHistoryLimit    = 100
)

// Metrics are the cumulative counters an agent keeps across restarts.
type Metrics struct {
	MessagesProcessed   int64         `json:"messages_processed"`
	Errors              int64         `json:"errors"`
	TotalProcessingTime time.Duration `json:"total_processing_time"`
}

// AgentSnapshot is a point-in-time view of one registered agent.
type AgentSnapshot struct {
	Status       string  `json:"status"`
	Metrics      Metrics `json:"metrics"`
	MailboxDepth int     `json:"mailbox_depth"`
}

// Recipient is anything the bus can deliver to.
type Recipient interface {
	ID() string
	// Deliver must not block. A full mailbox yields ErrMailboxFull.
	Deliver(env Envelope) error
	Snapshot() AgentSnapshot
}

type Option func(*Bus)

// WithHistory overrides the history capacity and the number of entries kept
// when the capacity is reached.
func WithHistory(capacity, keep int) Option {
	return func(b *Bus) {
		if capacity > 0 {
			b.historyCap = capacity
		}
		if keep > 0 && keep < b.historyCap {
			b.historyKeep = keep
		}
	}
}

type Bus struct {
	mu          sync.RWMutex
	agents      map[string]Recipient
	order       []string
	history     []Envelope
	historyCap  int
	historyKeep int

	tapMu sync.RWMutex
	taps  []func(Envelope)
}

func New(opts ...Option) *Bus {
	b := &Bus{
		agents:      make(map[string]Recipient),
		historyCap:  DefaultHistoryCapacity,
		historyKeep: DefaultHistoryKeep,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds r to the directory. Re-registering an id replaces the entry
// in place.
func (b *Bus) Register(r Recipient) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := r.ID()
	if _, ok := b.agents[id]; !ok {
		b.order = append(b.order, id)
	}
	b.agents[id] = r
	slog.Debug("agent registered", "agent", id)
}

func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.agents[id]; !ok {
		return
	}
	delete(b.agents, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Agents returns registered ids in registration order.
func (b *Bus) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.order...)
}

// Send routes env to its target. Unknown targets are rejected before the
// envelope is recorded; a full mailbox is reported after recording.
func (b *Bus) Send(env Envelope) error {
	b.mu.Lock()
	target, ok := b.agents[env.To]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("send %s: %w: %s", env.ID, ErrUnknownAgent, env.To)
	}
	b.record(env)
	err := target.Deliver(env)
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("send %s to %s: %w", env.ID, env.To, err)
	}

	b.tapMu.RLock()
	taps := b.taps
	b.tapMu.RUnlock()
	for _, fn := range taps {
		fn(env)
	}
	return nil
}

// Broadcast sends a copy of env to every registered agent except exclude, in
// registration order. The first failure aborts the fan-out; the returned
// count reports how many copies were already delivered.
func (b *Bus) Broadcast(env Envelope, exclude string) (int, error) {
	delivered := 0
	for _, id := range b.Agents() {
		if id == exclude {
			continue
		}
		if err := b.Send(env.retarget(id)); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// Status returns a snapshot of every registered agent.
func (b *Bus) Status() map[string]AgentSnapshot {
	b.mu.RLock()
	agents := make([]Recipient, 0, len(b.order))
	for _, id := range b.order {
		agents = append(agents, b.agents[id])
	}
	b.mu.RUnlock()

	out := make(map[string]AgentSnapshot, len(agents))
	for _, a := range agents {
		out[a.ID()] = a.Snapshot()
	}
	return out
}

// History returns the most recent limit entries, oldest first. A limit of
// zero or less returns the default page of 100.
func (b *Bus) History(limit int) []Summary {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	start := max(len(b.history)-limit, 0)
	out := make([]Summary, 0, len(b.history)-start)
	for _, env := range b.history[start:] {
		out = append(out, env.Summary())
	}
	return out
}

func (b *Bus) HistorySize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}

// Tap registers fn to observe every successfully delivered envelope. Taps
// run on the sender's goroutine and must not block.
func (b *Bus) Tap(fn func(Envelope)) {
	b.tapMu.Lock()
	defer b.tapMu.Unlock()
	b.taps = append(b.taps, fn)
}

// record appends env to the history. Caller holds b.mu.
func (b *Bus) record(env Envelope) {
	if len(b.history) >= b.historyCap {
		kept := make([]Envelope, b.historyKeep, b.historyCap)
		copy(kept, b.history[len(b.history)-b.historyKeep:])
		b.history = kept
	}
	b.history = append(b.history, env)
}
