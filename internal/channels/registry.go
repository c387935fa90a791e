// Package channels routes mission output to concrete channel senders with
// rate limiting and per-run idempotent delivery.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/novachat/nova/internal/bus"
)

// maxSentKeys bounds the idempotency set so long-lived processes do not grow
// without limit; eviction is oldest-insertion-first.
const maxSentKeys = 8192

// Sender delivers one message to one recipient on a concrete channel.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
	Name() string
}

// Registry implements bus.ChannelDispatcher over a set of named senders.
// Dispatch is idempotent per (runId, nodeId, outputIndex, channel): a repeat
// of an already-sent triple reports ok without re-sending.
type Registry struct {
	mu       sync.Mutex
	senders  map[string]Sender
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int

	sent     map[string]bool
	sentKeys []string
}

// NewRegistry creates a dispatcher registry. perSecond <= 0 disables rate
// limiting.
func NewRegistry(perSecond float64, burst int) *Registry {
	if burst <= 0 {
		burst = 1
	}
	return &Registry{
		senders:  make(map[string]Sender),
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(perSecond),
		burst:    burst,
		sent:     make(map[string]bool),
	}
}

// Register adds a sender under its channel name. Later registrations replace
// earlier ones.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Name()] = s
}

// Channels lists registered channel names.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	return names
}

func (r *Registry) limiter(channel string) *rate.Limiter {
	if r.perSec <= 0 {
		return nil
	}
	l, ok := r.limiters[channel]
	if !ok {
		l = rate.NewLimiter(r.perSec, r.burst)
		r.limiters[channel] = l
	}
	return l
}

func sentKey(req bus.DispatchRequest) string {
	return fmt.Sprintf("%s|%s|%d|%s", req.RunID, req.NodeID, req.OutputIndex, req.Channel)
}

func (r *Registry) markSent(key string) {
	if r.sent[key] {
		return
	}
	r.sent[key] = true
	r.sentKeys = append(r.sentKeys, key)
	for len(r.sentKeys) > maxSentKeys {
		delete(r.sent, r.sentKeys[0])
		r.sentKeys = r.sentKeys[1:]
	}
}

// Dispatch sends req.Text to each recipient on the named channel. One result
// per recipient; an unknown channel is a single failed result, not an error
// (the caller decides whether to fall back).
func (r *Registry) Dispatch(ctx context.Context, req bus.DispatchRequest) ([]bus.DispatchResult, error) {
	r.mu.Lock()
	sender, ok := r.senders[req.Channel]
	if !ok {
		r.mu.Unlock()
		return []bus.DispatchResult{{OK: false, Error: fmt.Sprintf("no sender registered for channel %q", req.Channel)}}, nil
	}
	key := sentKey(req)
	if req.RunID != "" && r.sent[key] {
		r.mu.Unlock()
		slog.Debug("dispatch deduped", "channel", req.Channel, "run", req.RunID, "node", req.NodeID)
		return []bus.DispatchResult{{OK: true, Status: "deduplicated"}}, nil
	}
	limiter := r.limiter(req.Channel)
	r.mu.Unlock()

	recipients := req.Recipients
	if len(recipients) == 0 {
		recipients = []string{""}
	}

	results := make([]bus.DispatchResult, 0, len(recipients))
	anyOK := false
	for _, chatID := range recipients {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				results = append(results, bus.DispatchResult{OK: false, Error: err.Error()})
				continue
			}
		}
		if err := sender.Send(ctx, chatID, req.Text); err != nil {
			slog.Warn("channel send failed", "channel", req.Channel, "chat", chatID, "error", err)
			results = append(results, bus.DispatchResult{OK: false, Error: err.Error()})
			continue
		}
		anyOK = true
		results = append(results, bus.DispatchResult{OK: true, Status: "sent"})
	}

	if anyOK && req.RunID != "" {
		r.mu.Lock()
		r.markSent(key)
		r.mu.Unlock()
	}
	return results, nil
}
