// Package scheduler gates all user-scoped work (chat turns, mission runs)
// through a lane-weighted bounded queue with per-user and per-conversation
// concurrency caps, supersede semantics, and queue staleness pruning.
package scheduler

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Lane identifies a scheduling class.
type Lane string

// Lanes in declared priority order.
const (
	LaneFast       Lane = "fast"
	LaneDefault    Lane = "default"
	LaneTool       Lane = "tool"
	LaneBackground Lane = "background"
)

var laneOrder = []Lane{LaneFast, LaneDefault, LaneTool, LaneBackground}

// DefaultLaneWeights drive the round-robin vector when config leaves weights
// unset.
var DefaultLaneWeights = map[Lane]int{
	LaneFast:       4,
	LaneDefault:    2,
	LaneTool:       2,
	LaneBackground: 1,
}

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	LaneWeights                map[Lane]int
	MaxInFlightGlobal          int
	MaxInFlightPerUser         int
	MaxInFlightPerConversation int
	MaxQueueSize               int
	MaxQueueSizePerUser        int
	QueueStale                 time.Duration
	SupersedeQueuedByKey       bool
	// SupersedeSameUserOnly restricts supersede matching to the enqueuing
	// user. Off by default: the platform semantics cancel queued jobs with
	// the same key across users.
	SupersedeSameUserOnly bool
	// StrictUserIsolation lifts the global cap so one user's burst can only
	// be limited by their own caps.
	StrictUserIsolation bool
}

func (c Config) withDefaults() Config {
	if c.LaneWeights == nil {
		c.LaneWeights = DefaultLaneWeights
	}
	if c.MaxInFlightGlobal <= 0 {
		c.MaxInFlightGlobal = 8
	}
	if c.StrictUserIsolation {
		c.MaxInFlightGlobal = math.MaxInt32
	}
	if c.MaxInFlightPerUser <= 0 {
		c.MaxInFlightPerUser = 2
	}
	if c.MaxInFlightPerConversation <= 0 {
		c.MaxInFlightPerConversation = 1
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 256
	}
	if c.MaxQueueSizePerUser <= 0 {
		c.MaxQueueSizePerUser = 32
	}
	if c.QueueStale <= 0 {
		c.QueueStale = 2 * time.Minute
	}
	return c
}

// Request describes one unit of work to schedule.
type Request struct {
	Lane           Lane
	UserID         string
	ConversationID string
	SupersedeKey   string
	Run            func() (any, error)
}

type outcome struct {
	value any
	err   error
}

type job struct {
	req        Request
	enqueuedAt time.Time
	done       chan outcome
}

func (j *job) settle(o outcome) {
	j.done <- o
	close(j.done)
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	queues   map[Lane][]*job
	rr       []Lane
	cursor   int
	inFlight int
	byUser   map[string]int
	byConv   map[string]int
}

// New creates a scheduler from config.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	var rr []Lane
	for _, lane := range laneOrder {
		for i := 0; i < cfg.LaneWeights[lane]; i++ {
			rr = append(rr, lane)
		}
	}
	if len(rr) == 0 {
		rr = []Lane{LaneDefault}
	}
	return &Scheduler{
		cfg:    cfg,
		now:    time.Now,
		queues: make(map[Lane][]*job),
		rr:     rr,
		byUser: make(map[string]int),
		byConv: make(map[string]int),
	}
}

// Enqueue submits a request and blocks until it runs to completion or is
// rejected. Rejections carry a stable code (queue_full, queue_stale,
// superseded, invalid_job); queue_full adds a retry hint.
func (s *Scheduler) Enqueue(req Request) (any, error) {
	if req.Run == nil || !validLane(req.Lane) {
		return nil, &Error{Code: CodeInvalidJob, Message: "scheduler: missing run fn or unknown lane"}
	}

	j := &job{req: req, enqueuedAt: s.now(), done: make(chan outcome, 1)}

	s.mu.Lock()
	s.pruneStaleLocked()

	if s.queuedTotalLocked() >= s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return nil, &Error{
			Code:         CodeQueueFull,
			Message:      "scheduler: queue full",
			RetryAfterMs: s.cfg.QueueStale.Milliseconds() / 4,
		}
	}
	if req.UserID != "" && s.queuedForUserLocked(req.UserID) >= s.cfg.MaxQueueSizePerUser {
		s.mu.Unlock()
		return nil, &Error{
			Code:         CodeQueueFull,
			Message:      "scheduler: per-user queue full",
			RetryAfterMs: s.cfg.QueueStale.Milliseconds() / 4,
		}
	}

	if s.cfg.SupersedeQueuedByKey && req.SupersedeKey != "" {
		s.supersedeLocked(req.SupersedeKey, req.UserID)
	}

	s.queues[req.Lane] = append(s.queues[req.Lane], j)
	s.dispatchLocked()
	s.mu.Unlock()

	o := <-j.done
	return o.value, o.err
}

// pruneStaleLocked rejects queued jobs older than the staleness window.
func (s *Scheduler) pruneStaleLocked() {
	now := s.now()
	for lane, q := range s.queues {
		kept := q[:0]
		for _, j := range q {
			if now.Sub(j.enqueuedAt) > s.cfg.QueueStale {
				j.settle(outcome{err: &Error{Code: CodeQueueStale, Message: "scheduler: job went stale in queue"}})
				continue
			}
			kept = append(kept, j)
		}
		s.queues[lane] = kept
	}
}

// supersedeLocked rejects queued jobs carrying the same supersede key. The
// default semantics match across users; SupersedeSameUserOnly scopes matching
// to the enqueuing user.
func (s *Scheduler) supersedeLocked(key, userID string) {
	for lane, q := range s.queues {
		kept := q[:0]
		for _, j := range q {
			match := j.req.SupersedeKey == key
			if match && s.cfg.SupersedeSameUserOnly && j.req.UserID != userID {
				match = false
			}
			if match {
				j.settle(outcome{err: &Error{Code: CodeSuperseded, Message: "scheduler: superseded by newer request"}})
				continue
			}
			kept = append(kept, j)
		}
		s.queues[lane] = kept
	}
}

// dispatchLocked starts every job the caps currently allow. Lane selection
// walks the weighted round-robin vector; within a lane the first job that
// fits the per-user and per-conversation caps runs, preserving FIFO among
// eligible jobs.
func (s *Scheduler) dispatchLocked() {
	for s.inFlight < s.cfg.MaxInFlightGlobal && s.queuedTotalLocked() > 0 {
		j := s.selectLocked()
		if j == nil {
			return // runnable work exists but caps block all of it
		}
		s.startLocked(j)
	}
}

func (s *Scheduler) selectLocked() *job {
	// Weighted round-robin pass.
	for i := 0; i < len(s.rr); i++ {
		pos := (s.cursor + i) % len(s.rr)
		if j := s.takeEligibleLocked(s.rr[pos]); j != nil {
			s.cursor = (pos + 1) % len(s.rr)
			return j
		}
	}
	// Fall back to declared lane order so a weight-0 lane cannot starve.
	for _, lane := range laneOrder {
		if j := s.takeEligibleLocked(lane); j != nil {
			return j
		}
	}
	return nil
}

func (s *Scheduler) takeEligibleLocked(lane Lane) *job {
	q := s.queues[lane]
	for i, j := range q {
		if j.req.UserID != "" && s.byUser[j.req.UserID] >= s.cfg.MaxInFlightPerUser {
			continue
		}
		if j.req.ConversationID != "" && s.byConv[j.req.ConversationID] >= s.cfg.MaxInFlightPerConversation {
			continue
		}
		s.queues[lane] = append(q[:i:i], q[i+1:]...)
		return j
	}
	return nil
}

func (s *Scheduler) startLocked(j *job) {
	s.inFlight++
	if j.req.UserID != "" {
		s.byUser[j.req.UserID]++
	}
	if j.req.ConversationID != "" {
		s.byConv[j.req.ConversationID]++
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("scheduled job panicked", "lane", j.req.Lane, "panic", r)
				j.settle(outcome{err: &Error{Code: CodeInvalidJob, Message: "scheduler: job panicked"}})
			}
			s.mu.Lock()
			s.inFlight--
			if j.req.UserID != "" {
				if s.byUser[j.req.UserID]--; s.byUser[j.req.UserID] <= 0 {
					delete(s.byUser, j.req.UserID)
				}
			}
			if j.req.ConversationID != "" {
				if s.byConv[j.req.ConversationID]--; s.byConv[j.req.ConversationID] <= 0 {
					delete(s.byConv, j.req.ConversationID)
				}
			}
			s.dispatchLocked()
			s.mu.Unlock()
		}()
		v, err := j.req.Run()
		j.settle(outcome{value: v, err: err})
	}()
}

func (s *Scheduler) queuedTotalLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

func (s *Scheduler) queuedForUserLocked(userID string) int {
	n := 0
	for _, q := range s.queues {
		for _, j := range q {
			if j.req.UserID == userID {
				n++
			}
		}
	}
	return n
}

func validLane(l Lane) bool {
	for _, lane := range laneOrder {
		if l == lane {
			return true
		}
	}
	return false
}
