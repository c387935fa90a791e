package missions

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/novachat/nova/internal/persist"
)

const (
	storeFileName       = "missions.json"
	legacyStoreFileName = "missions.json" // under the legacy global root
	storeVersion        = 1
)

// ErrInvalidUser is returned when the user id sanitizes to empty.
var ErrInvalidUser = errors.New("missions: invalid user id")

// ErrCrossUser is returned when a mission's userId does not match the store
// scope it is being written into.
var ErrCrossUser = errors.New("missions: cross-user write rejected")

// File is the on-disk shape of a user's mission store.
type File struct {
	Version    int        `json:"version"`
	Missions   []Mission  `json:"missions"`
	DeletedIDs []string   `json:"deletedIds,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	MigratedAt *time.Time `json:"migratedAt,omitempty"`
}

// DeleteResult reports the outcome of a delete.
type DeleteResult struct {
	OK      bool
	Deleted bool
	Reason  string // deleted | not_found | invalid_user
}

// Store is the per-user mission store. All mutations for one user are
// strictly serialized; tombstoned ids never re-enter via legacy migration.
type Store struct {
	kit   *persist.Kit
	paths *persist.Paths
	now   func() time.Time

	mu       sync.Mutex
	userMu   map[string]*sync.Mutex
	migrated map[string]bool
}

// NewStore creates a mission store over the persistence kit.
func NewStore(kit *persist.Kit, paths *persist.Paths) *Store {
	return &Store{
		kit:      kit,
		paths:    paths,
		now:      time.Now,
		userMu:   make(map[string]*sync.Mutex),
		migrated: make(map[string]bool),
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

// Load returns the user's missions after running the one-shot legacy
// migration for this user. Tombstoned missions are scrubbed.
func (s *Store) Load(userID string) ([]Mission, error) {
	uid := persist.SanitizeUserID(userID)
	if uid == "" {
		return nil, ErrInvalidUser
	}
	unlock := s.lockUser(uid)
	defer unlock()

	file, err := s.readFile(uid)
	if err != nil {
		return nil, err
	}
	if !s.migrated[uid] {
		if migrated := s.migrateLegacy(uid, file); migrated {
			if err := s.writeFile(uid, file); err != nil {
				return nil, err
			}
		}
		s.migrated[uid] = true
	}

	tombstones := toSet(file.DeletedIDs)
	out := make([]Mission, 0, len(file.Missions))
	for _, m := range file.Missions {
		if m.ID == "" || tombstones[m.ID] {
			continue
		}
		out = append(out, normalize(m, uid))
	}
	return out, nil
}

// Get returns one mission by id.
func (s *Store) Get(userID, missionID string) (Mission, error) {
	all, err := s.Load(userID)
	if err != nil {
		return Mission{}, err
	}
	for _, m := range all {
		if m.ID == missionID {
			return m, nil
		}
	}
	return Mission{}, fmt.Errorf("mission %q not found", missionID)
}

// Upsert inserts or replaces a mission. On update, execution metadata from
// the stored copy is preserved unless the incoming mission carries its own.
// The version counter increments on every save.
func (s *Store) Upsert(m Mission, userID string) (Mission, error) {
	uid := persist.SanitizeUserID(userID)
	if uid == "" {
		return Mission{}, ErrInvalidUser
	}
	if m.UserID != "" && persist.SanitizeUserID(m.UserID) != uid {
		return Mission{}, ErrCrossUser
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.UserID = uid

	unlock := s.lockUser(uid)
	defer unlock()

	file, err := s.readFile(uid)
	if err != nil {
		return Mission{}, err
	}

	now := s.now()
	idx := -1
	for i := range file.Missions {
		if file.Missions[i].ID == m.ID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		prev := file.Missions[idx]
		if m.LastRunAt == nil {
			m.LastRunAt = prev.LastRunAt
		}
		if m.LastSentLocalDate == "" {
			m.LastSentLocalDate = prev.LastSentLocalDate
		}
		if m.LastRunStatus == "" {
			m.LastRunStatus = prev.LastRunStatus
		}
		if m.RunCount == 0 {
			m.RunCount = prev.RunCount
		}
		if m.SuccessCount == 0 {
			m.SuccessCount = prev.SuccessCount
		}
		if m.FailureCount == 0 {
			m.FailureCount = prev.FailureCount
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = prev.CreatedAt
		}
		m.Version = prev.Version + 1
		m.UpdatedAt = now
		file.Missions[idx] = m
	} else {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.Version == 0 {
			m.Version = 1
		}
		m.UpdatedAt = now
		file.Missions = append(file.Missions, m)
	}

	if err := s.writeFile(uid, file); err != nil {
		return Mission{}, err
	}
	return m, nil
}

// Delete removes a mission and tombstones its id so legacy migration can
// never re-import it.
func (s *Store) Delete(missionID, userID string) (DeleteResult, error) {
	uid := persist.SanitizeUserID(userID)
	if uid == "" {
		return DeleteResult{Reason: "invalid_user"}, ErrInvalidUser
	}
	unlock := s.lockUser(uid)
	defer unlock()

	file, err := s.readFile(uid)
	if err != nil {
		return DeleteResult{}, err
	}

	found := false
	kept := file.Missions[:0]
	for _, m := range file.Missions {
		if m.ID == missionID {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	file.Missions = kept
	if !toSet(file.DeletedIDs)[missionID] {
		file.DeletedIDs = append(file.DeletedIDs, missionID)
	}
	if err := s.writeFile(uid, file); err != nil {
		return DeleteResult{}, err
	}
	if !found {
		return DeleteResult{OK: true, Reason: "not_found"}, nil
	}
	return DeleteResult{OK: true, Deleted: true, Reason: "deleted"}, nil
}

// RecordRun updates a mission's execution metadata after a run settles.
// Skipped runs record nothing: the interval and cron gates measure due-ness
// from the last actual run, so refreshing lastRunAt on a not-due poll would
// push the next run back indefinitely.
func (s *Store) RecordRun(userID, missionID string, ok, skipped bool, dayStamp string) error {
	uid := persist.SanitizeUserID(userID)
	if uid == "" {
		return ErrInvalidUser
	}
	if skipped {
		return nil
	}
	unlock := s.lockUser(uid)
	defer unlock()

	file, err := s.readFile(uid)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range file.Missions {
		if file.Missions[i].ID != missionID {
			continue
		}
		m := &file.Missions[i]
		t := now
		m.LastRunAt = &t
		m.RunCount++
		if ok {
			m.SuccessCount++
			m.LastRunStatus = "success"
			if dayStamp != "" {
				m.LastSentLocalDate = dayStamp
			}
		} else {
			m.FailureCount++
			m.LastRunStatus = "failure"
		}
		break
	}
	return s.writeFile(uid, file)
}

func (s *Store) readFile(uid string) (*File, error) {
	path := s.paths.UserFile(uid, storeFileName)
	var file File
	if err := s.kit.ReadJSON(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &File{Version: storeVersion}, nil
		}
		return nil, err
	}
	if file.Version == 0 {
		file.Version = storeVersion
	}
	return &file, nil
}

func (s *Store) writeFile(uid string, file *File) error {
	file.Version = storeVersion
	file.UpdatedAt = s.now()
	return s.kit.WriteJSON(s.paths.UserFile(uid, storeFileName), file)
}

// migrateLegacy imports this user's missions from the pre-scoping global
// store, skipping tombstoned and already-present ids. Returns true when
// anything was imported.
func (s *Store) migrateLegacy(uid string, file *File) bool {
	if file.MigratedAt != nil {
		return false
	}
	var legacy File
	if err := s.kit.ReadJSON(s.paths.LegacyFile(legacyStoreFileName), &legacy); err != nil {
		return false
	}

	present := make(map[string]bool, len(file.Missions))
	for _, m := range file.Missions {
		present[m.ID] = true
	}
	tombstones := toSet(file.DeletedIDs)

	imported := 0
	for _, m := range legacy.Missions {
		if persist.SanitizeUserID(m.UserID) != uid {
			continue
		}
		if m.ID == "" || present[m.ID] || tombstones[m.ID] {
			continue
		}
		file.Missions = append(file.Missions, normalize(m, uid))
		imported++
	}
	now := s.now()
	file.MigratedAt = &now
	if imported > 0 {
		slog.Info("migrated legacy missions", "user", uid, "count", imported)
	}
	return true
}

func normalize(m Mission, uid string) Mission {
	m.UserID = uid
	if m.Status == "" {
		m.Status = StatusActive
	}
	if m.Version == 0 {
		m.Version = 1
	}
	return m
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
