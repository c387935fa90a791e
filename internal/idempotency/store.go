// Package idempotency deduplicates mission-build requests. A deterministic
// fingerprint of the build inputs maps to a reservation row with a pending
// TTL, so identical requests within the window collapse onto one build.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/novachat/nova/internal/persist"
)

const (
	pendingTTL   = 120 * time.Second
	finalizedTTL = 5 * time.Minute

	maxNormalizedPrompt = 1200

	retryAfterMin = 250 * time.Millisecond
	retryAfterMax = 4 * time.Second

	storeFileName = "mission-build-idempotency.json"
)

// Row statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Reservation outcomes.
const (
	OutcomeStarted   = "started"
	OutcomePending   = "pending"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// ErrMissingUserContext is returned when the user scope sanitizes to empty.
var ErrMissingUserContext = errors.New("idempotency: missing user context")

// Row is one persisted reservation.
type Row struct {
	Key       string    `json:"key"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// BuildInput is the fingerprinted surface of a mission-build request.
// Client-supplied keys are never trusted; the key is always recomputed.
type BuildInput struct {
	UserContextID string
	Prompt        string
	Deploy        bool
	Timezone      string
	Enabled       bool
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	Status       string
	Key          string
	RetryAfterMs int64
	Result       string
	Error        string
}

// FinalizeInput closes out a reservation.
type FinalizeInput struct {
	UserContextID string
	Key           string
	OK            bool
	Result        string
	Error         string
}

// Store persists reservations per user with an advisory lockfile guarding
// cross-process read-modify-write.
type Store struct {
	kit   *persist.Kit
	paths *persist.Paths
	now   func() time.Time
}

// NewStore creates an idempotency store over the given persistence kit.
func NewStore(kit *persist.Kit, paths *persist.Paths) *Store {
	return &Store{kit: kit, paths: paths, now: time.Now}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizePrompt collapses whitespace, lowercases, trims, and caps length.
func NormalizePrompt(prompt string) string {
	v := whitespaceRe.ReplaceAllString(prompt, " ")
	v = strings.ToLower(strings.TrimSpace(v))
	if len(v) > maxNormalizedPrompt {
		v = v[:maxNormalizedPrompt]
	}
	return v
}

// ResolveKey computes the canonical reservation key for a build request.
func ResolveKey(in BuildInput) (string, error) {
	scope := persist.SanitizeUserID(in.UserContextID)
	if scope == "" {
		return "", ErrMissingUserContext
	}
	seed := fmt.Sprintf("%s|%s|%t|%s|%t",
		scope, NormalizePrompt(in.Prompt), in.Deploy, in.Timezone, in.Enabled)
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("mission-build:%s:%s", scope, hex.EncodeToString(sum[:])[:32]), nil
}

// Reserve claims the fingerprint for in, or reports the state of an existing
// claim. Exactly one caller per fingerprint window observes OutcomeStarted.
func (s *Store) Reserve(in BuildInput) (Reservation, error) {
	key, err := ResolveKey(in)
	if err != nil {
		return Reservation{}, err
	}
	return s.withRows(in.UserContextID, func(rows []Row, now time.Time) ([]Row, Reservation) {
		for i := range rows {
			if rows[i].Key != key {
				continue
			}
			row := rows[i]
			switch row.Status {
			case StatusPending:
				return rows, Reservation{
					Status:       OutcomePending,
					Key:          key,
					RetryAfterMs: clampRetryAfter(row.ExpiresAt.Sub(now)),
				}
			case StatusCompleted:
				if row.Result != "" {
					return rows, Reservation{Status: OutcomeCompleted, Key: key, Result: row.Result}
				}
			}
			return rows, Reservation{Status: OutcomeFailed, Key: key, Error: row.Error}
		}
		rows = append(rows, Row{
			Key:       key,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(pendingTTL),
		})
		return rows, Reservation{Status: OutcomeStarted, Key: key}
	})
}

// Finalize records the build outcome for a reserved key. Unknown keys are a
// silent no-op.
func (s *Store) Finalize(in FinalizeInput) error {
	_, err := s.withRows(in.UserContextID, func(rows []Row, now time.Time) ([]Row, Reservation) {
		for i := range rows {
			if rows[i].Key != in.Key {
				continue
			}
			if in.OK {
				rows[i].Status = StatusCompleted
				rows[i].Result = in.Result
				rows[i].Error = ""
			} else {
				rows[i].Status = StatusFailed
				rows[i].Error = in.Error
			}
			rows[i].UpdatedAt = now
			rows[i].ExpiresAt = now.Add(finalizedTTL)
			break
		}
		return rows, Reservation{}
	})
	return err
}

// withRows runs fn over the pruned row set under the per-user lockfile and
// persists the result.
func (s *Store) withRows(userID string, fn func([]Row, time.Time) ([]Row, Reservation)) (Reservation, error) {
	path := s.paths.UserFile(userID, storeFileName)
	if path == "" {
		return Reservation{}, ErrMissingUserContext
	}
	lock, err := persist.AcquireLock(path+".lock", 0)
	if err != nil {
		return Reservation{}, err
	}
	defer lock.Release()

	var rows []Row
	if err := s.kit.ReadJSON(path, &rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Reservation{}, err
	}

	now := s.now()
	kept := rows[:0]
	for _, r := range rows {
		if now.Before(r.ExpiresAt) {
			kept = append(kept, r)
		}
	}

	next, res := fn(kept, now)
	if err := s.kit.WriteJSON(path, next); err != nil {
		return Reservation{}, err
	}
	return res, nil
}

func clampRetryAfter(d time.Duration) int64 {
	if d < retryAfterMin {
		d = retryAfterMin
	}
	if d > retryAfterMax {
		d = retryAfterMax
	}
	return d.Milliseconds()
}
