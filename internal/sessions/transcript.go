package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	transcriptsDirName = "transcripts"
	transcriptCacheTTL = 2 * time.Minute
)

// TranscriptLine is one JSONL row of a session transcript.
type TranscriptLine struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Meta      map[string]string `json:"meta,omitempty"`
}

type transcriptCache struct {
	mu      sync.Mutex
	entries map[string]cachedTranscript
}

type cachedTranscript struct {
	lines    []TranscriptLine
	cachedAt time.Time
}

func newTranscriptCache() *transcriptCache {
	return &transcriptCache{entries: make(map[string]cachedTranscript)}
}

func (c *transcriptCache) get(sessionID string, now time.Time) ([]TranscriptLine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	if !ok || now.Sub(e.cachedAt) > transcriptCacheTTL {
		delete(c.entries, sessionID)
		return nil, false
	}
	return e.lines, true
}

func (c *transcriptCache) put(sessionID string, lines []TranscriptLine, now time.Time) {
	c.mu.Lock()
	c.entries[sessionID] = cachedTranscript{lines: lines, cachedAt: now}
	c.mu.Unlock()
}

func (s *Store) transcriptPath(uctx, sessionID string) string {
	return s.paths.UserFile(uctx, transcriptsDirName, sessionID+".jsonl")
}

func (s *Store) legacyTranscriptPath(sessionID string) string {
	return s.paths.LegacyFile(transcriptsDirName, sessionID+".jsonl")
}

// AppendTurn appends one line to the session transcript and trims it to the
// configured maximum, oldest lines first. The in-memory cache is refreshed;
// on a cache miss the file is rehydrated so the cache never collapses to the
// single new turn.
func (s *Store) AppendTurn(uctx, sessionID, role, content string, meta map[string]string) error {
	if sessionID == "" {
		return fmt.Errorf("sessions: append with empty session id")
	}
	now := s.now()
	line := TranscriptLine{Role: role, Content: content, Timestamp: now, Meta: meta}

	path := s.transcriptPath(uctx, sessionID)
	if path == "" {
		path = s.legacyTranscriptPath(sessionID)
	}

	unlock := s.lockUser(cacheScope(uctx, sessionID))
	defer unlock()

	lines, ok := s.tcache.get(sessionID, now)
	if !ok {
		var err error
		lines, err = readTranscriptFile(path)
		if err != nil {
			return err
		}
	}
	lines = append(lines, line)
	if over := len(lines) - s.cfg.MaxTranscriptLines; over > 0 {
		lines = lines[over:]
		// Over the cap the whole file is rewritten; otherwise append only.
		if err := writeTranscriptFile(path, lines); err != nil {
			return err
		}
	} else {
		if err := appendTranscriptLine(path, line); err != nil {
			return err
		}
	}
	s.tcache.put(sessionID, lines, now)
	return nil
}

// LoadTranscript returns the transcript for a session. When both the scoped
// and legacy files exist they are merged, deduplicated by
// (timestamp, role, content), order preserved.
func (s *Store) LoadTranscript(sessionID, uctx string) ([]TranscriptLine, error) {
	unlock := s.lockUser(cacheScope(uctx, sessionID))
	defer unlock()
	return s.loadTranscriptLocked(sessionID, uctx)
}

func (s *Store) loadTranscriptLocked(sessionID, uctx string) ([]TranscriptLine, error) {
	now := s.now()
	if lines, ok := s.tcache.get(sessionID, now); ok {
		return lines, nil
	}

	scoped, err := readTranscriptFile(s.transcriptPath(uctx, sessionID))
	if err != nil {
		return nil, err
	}
	legacy, err := readTranscriptFile(s.legacyTranscriptPath(sessionID))
	if err != nil {
		return nil, err
	}

	lines := scoped
	if len(legacy) > 0 {
		lines = mergeTranscripts(legacy, scoped)
	}
	s.tcache.put(sessionID, lines, now)
	return lines, nil
}

func mergeTranscripts(a, b []TranscriptLine) []TranscriptLine {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]TranscriptLine, 0, len(a)+len(b))
	for _, line := range append(append([]TranscriptLine{}, a...), b...) {
		key := fmt.Sprintf("%d|%s|%s", line.Timestamp.UnixNano(), line.Role, line.Content)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, line)
	}
	return out
}

// maybePrune removes transcripts older than the retention window. Throttled
// to at most once per 10 minutes process-wide.
func (s *Store) maybePrune(uctx string) {
	now := s.now()
	s.mu.Lock()
	if now.Sub(s.lastPrune) < pruneThrottle {
		s.mu.Unlock()
		return
	}
	s.lastPrune = now
	s.mu.Unlock()

	dir := s.paths.UserFile(uctx, transcriptsDirName)
	if dir == "" {
		return
	}
	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
	files, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	removed := 0
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
			continue
		}
		info, err := f.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(dir, f.Name())) == nil {
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("pruned aged transcripts", "user", uctx, "removed", removed)
	}
}

func readTranscriptFile(path string) ([]TranscriptLine, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []TranscriptLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line TranscriptLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			continue // skip torn lines rather than losing the transcript
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func appendTranscriptLine(path string, line TranscriptLine) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func writeTranscriptFile(path string, lines []TranscriptLine) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var sb strings.Builder
	for _, line := range lines {
		data, err := json.Marshal(line)
		if err != nil {
			return err
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// cacheScope keys the per-user mutex map; transcripts for unresolvable users
// serialize on the session id instead.
func cacheScope(uctx, sessionID string) string {
	if uctx != "" {
		return uctx
	}
	return "session:" + sessionID
}
