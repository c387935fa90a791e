package sessions

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/novachat/nova/internal/persist"
)

const (
	sessionsFileName = "sessions.json"
	stateDirName     = "state"

	pruneThrottle = 10 * time.Minute
)

// Defaults, overridable via NOVA_SESSION_* env handled in config.
const (
	DefaultIdleTimeout        = 30 * time.Minute
	DefaultMaxTranscriptLines = 400
	DefaultRetentionDays      = 30
)

// Entry is one persisted session record, keyed by session key in the user's
// sessions.json.
type Entry struct {
	SessionID     string    `json:"sessionId"`
	SessionKey    string    `json:"sessionKey"`
	UserContextID string    `json:"userContextId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Model         string    `json:"model,omitempty"`
	InputTokens   int64     `json:"inputTokens"`
	OutputTokens  int64     `json:"outputTokens"`
	TotalTokens   int64     `json:"totalTokens"`
	ContextTokens int64     `json:"contextTokens"`
}

// Context is what a resolved turn gets to work with.
type Context struct {
	SessionKey string
	Entry      Entry
	Transcript []TranscriptLine
	// Fresh is true when this resolution minted a new session id (first turn
	// or idle reset).
	Fresh bool
}

// Config tunes session lifecycle policy.
type Config struct {
	IdleTimeout        time.Duration
	MaxTranscriptLines int
	RetentionDays      int
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxTranscriptLines <= 0 {
		c.MaxTranscriptLines = DefaultMaxTranscriptLines
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	return c
}

// ResolveOpts extends the key options with lifecycle flags.
type ResolveOpts struct {
	KeyOpts
	// Reset forces a new session id regardless of idle state.
	Reset bool
}

// Store is the per-user session store. Entries live in
// <user>/state/sessions.json; transcripts in <user>/transcripts/<id>.jsonl.
type Store struct {
	kit   *persist.Kit
	paths *persist.Paths
	cfg   Config
	now   func() time.Time

	mu        sync.Mutex
	userMu    map[string]*sync.Mutex
	lastPrune time.Time
	migrated  bool

	tcache *transcriptCache
}

// NewStore creates a session store.
func NewStore(kit *persist.Kit, paths *persist.Paths, cfg Config) *Store {
	return &Store{
		kit:    kit,
		paths:  paths,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		userMu: make(map[string]*sync.Mutex),
		tcache: newTranscriptCache(),
	}
}

func (s *Store) lockUser(uid string) func() {
	s.mu.Lock()
	m, ok := s.userMu[uid]
	if !ok {
		m = &sync.Mutex{}
		s.userMu[uid] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Resolve loads or mints the session for a turn: prunes aged transcripts
// (throttled), migrates legacy global entries, applies idle reset, persists,
// and returns the entry plus transcript.
func (s *Store) Resolve(opts ResolveOpts) (*Context, error) {
	uctx := ResolveUserContextID(opts.KeyOpts)
	key := BuildSessionKey(opts.KeyOpts)

	s.maybePrune(uctx)
	s.maybeMigrateLegacy()

	unlock := s.lockUser(uctx)
	defer unlock()

	entries, err := s.readEntries(uctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	entry, ok := entries[key]
	fresh := false
	if !ok || opts.Reset || now.Sub(entry.UpdatedAt) > s.cfg.IdleTimeout {
		entry = Entry{
			SessionID:     uuid.NewString(),
			SessionKey:    key,
			UserContextID: uctx,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		fresh = true
	} else {
		entry.UpdatedAt = now
	}
	entries[key] = entry
	if err := s.writeEntries(uctx, entries); err != nil {
		return nil, err
	}

	transcript, err := s.loadTranscriptLocked(entry.SessionID, uctx)
	if err != nil {
		return nil, err
	}
	return &Context{SessionKey: key, Entry: entry, Transcript: transcript, Fresh: fresh}, nil
}

// RecordUsage accumulates token usage onto a session entry.
func (s *Store) RecordUsage(uctx, sessionKey, model string, input, output, contextTokens int64) error {
	uctx = persist.SanitizeUserID(uctx)
	if uctx == "" {
		return errors.New("sessions: missing user context")
	}
	unlock := s.lockUser(uctx)
	defer unlock()

	entries, err := s.readEntries(uctx)
	if err != nil {
		return err
	}
	entry, ok := entries[sessionKey]
	if !ok {
		return nil
	}
	if model != "" {
		entry.Model = model
	}
	entry.InputTokens += input
	entry.OutputTokens += output
	entry.TotalTokens += input + output
	entry.ContextTokens = contextTokens
	entry.UpdatedAt = s.now()
	entries[sessionKey] = entry
	return s.writeEntries(uctx, entries)
}

func (s *Store) sessionsPath(uctx string) string {
	return s.paths.UserFile(uctx, stateDirName, sessionsFileName)
}

func (s *Store) readEntries(uctx string) (map[string]Entry, error) {
	entries := make(map[string]Entry)
	err := s.kit.ReadJSON(s.sessionsPath(uctx), &entries)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return entries, nil
}

func (s *Store) writeEntries(uctx string, entries map[string]Entry) error {
	return s.kit.WriteJSON(s.sessionsPath(uctx), entries)
}

// maybeMigrateLegacy moves entries from the pre-scoping global sessions.json
// into their owners' scoped stores. One-shot per process.
func (s *Store) maybeMigrateLegacy() {
	s.mu.Lock()
	if s.migrated {
		s.mu.Unlock()
		return
	}
	s.migrated = true
	s.mu.Unlock()

	legacyPath := s.paths.LegacyFile(stateDirName, sessionsFileName)
	legacy := make(map[string]Entry)
	if err := s.kit.ReadJSON(legacyPath, &legacy); err != nil || len(legacy) == 0 {
		return
	}

	for key, entry := range legacy {
		uctx := entry.UserContextID
		if uctx == "" {
			uctx = ResolveUserContextID(KeyOpts{SessionKeyHint: key})
		}
		uctx = persist.SanitizeUserID(uctx)
		if uctx == "" {
			continue
		}
		unlock := s.lockUser(uctx)
		entries, err := s.readEntries(uctx)
		if err == nil {
			if _, exists := entries[key]; !exists {
				entry.UserContextID = uctx
				entries[key] = entry
				s.writeEntries(uctx, entries) //nolint:errcheck // best-effort migration
			}
		}
		unlock()
	}
	os.Remove(legacyPath + ".migrated")        //nolint:errcheck
	os.Rename(legacyPath, legacyPath+".migrated") //nolint:errcheck
}
