package missions

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/novachat/nova/internal/persist"
)

func newTestStore(t *testing.T) (*Store, *persist.Paths) {
	t.Helper()
	paths := persist.NewPaths(t.TempDir())
	return NewStore(persist.NewKit(), paths), paths
}

func sampleMission(id, userID string) Mission {
	return Mission{
		ID:     id,
		UserID: userID,
		Label:  "Morning digest",
		Status: StatusActive,
		Nodes: []Node{
			{ID: "t", Label: "Trigger", Type: TypeManualTrigger},
			{ID: "o", Label: "Out", Type: TypeNovachatOutput},
		},
		Connections: []Connection{{ID: "c", SourceNodeID: "t", TargetNodeID: "o"}},
		Settings:    Settings{Timezone: "UTC"},
	}
}

func TestUpsertAndLoad(t *testing.T) {
	s, _ := newTestStore(t)

	saved, err := s.Upsert(sampleMission("m1", "alice"), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != 1 {
		t.Errorf("new mission version = %d, want 1", saved.Version)
	}

	got, err := s.Load("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("load = %+v", got)
	}
}

func TestUpsertIncrementsVersionAndPreservesRunMetadata(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Upsert(sampleMission("m1", "alice"), "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRun("alice", "m1", true, false, "2026-03-01"); err != nil {
		t.Fatal(err)
	}

	// Builder re-saves the mission without execution metadata.
	update := sampleMission("m1", "alice")
	update.Label = "Morning digest v2"
	saved, err := s.Upsert(update, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != 2 {
		t.Errorf("version = %d, want 2", saved.Version)
	}
	if saved.SuccessCount != 1 || saved.LastRunStatus != "success" || saved.LastSentLocalDate != "2026-03-01" {
		t.Errorf("execution metadata lost on upsert: %+v", saved)
	}
	if saved.LastRunAt == nil {
		t.Error("lastRunAt lost on upsert")
	}
}

func TestRecordRunSkippedLeavesRunMetadata(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Upsert(sampleMission("m1", "alice"), "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRun("alice", "m1", true, false, "2026-03-01"); err != nil {
		t.Fatal(err)
	}
	before, err := s.Get("alice", "m1")
	if err != nil {
		t.Fatal(err)
	}

	// A scheduler poll that finds the mission not yet due must not advance
	// lastRunAt: interval due-ness is measured from the last actual run, so
	// a mission polled faster than its interval would otherwise never fire.
	if err := s.RecordRun("alice", "m1", true, true, ""); err != nil {
		t.Fatal(err)
	}
	after, err := s.Get("alice", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if after.LastRunAt == nil || !after.LastRunAt.Equal(*before.LastRunAt) {
		t.Errorf("skipped run moved lastRunAt: before %v, after %v", before.LastRunAt, after.LastRunAt)
	}
	if after.RunCount != before.RunCount || after.SuccessCount != before.SuccessCount {
		t.Errorf("skipped run changed counters: %+v", after)
	}
	if after.LastSentLocalDate != before.LastSentLocalDate {
		t.Errorf("skipped run changed lastSentLocalDate: %q", after.LastSentLocalDate)
	}
}

func TestDeleteTombstonesAndBlocksReimport(t *testing.T) {
	s, paths := newTestStore(t)

	// Seed the legacy global store with alice's mission.
	legacy := File{Version: 1, Missions: []Mission{sampleMission("m-legacy", "alice")}}
	if err := persist.NewKit().WriteJSON(paths.LegacyFile("missions.json"), legacy); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m-legacy" {
		t.Fatalf("legacy migration failed: %+v", got)
	}

	res, err := s.Delete("m-legacy", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Deleted || res.Reason != "deleted" {
		t.Fatalf("delete = %+v", res)
	}

	// A fresh store instance re-runs migration; the tombstone must hold.
	s2 := NewStore(persist.NewKit(), paths)
	got, err = s2.Load("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("tombstoned mission re-imported: %+v", got)
	}
}

func TestDeleteNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.Delete("ghost", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted || res.Reason != "not_found" {
		t.Errorf("delete = %+v", res)
	}
}

func TestInvalidUserRejected(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Load("###"); !errors.Is(err, ErrInvalidUser) {
		t.Errorf("load err = %v", err)
	}
	if _, err := s.Upsert(sampleMission("m1", ""), "###"); !errors.Is(err, ErrInvalidUser) {
		t.Errorf("upsert err = %v", err)
	}
}

func TestCrossUserWriteRejected(t *testing.T) {
	s, _ := newTestStore(t)
	m := sampleMission("m1", "mallory")
	if _, err := s.Upsert(m, "alice"); !errors.Is(err, ErrCrossUser) {
		t.Errorf("cross-user upsert err = %v", err)
	}
}

func TestUserIsolation(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Upsert(sampleMission("m1", "alice"), "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(sampleMission("m2", "bob"), "bob"); err != nil {
		t.Fatal(err)
	}

	aliceMissions, _ := s.Load("alice")
	bobMissions, _ := s.Load("bob")
	if len(aliceMissions) != 1 || aliceMissions[0].ID != "m1" {
		t.Errorf("alice sees %+v", aliceMissions)
	}
	if len(bobMissions) != 1 || bobMissions[0].ID != "m2" {
		t.Errorf("bob sees %+v", bobMissions)
	}
}

func TestConcurrentUpsertDeleteSerialized(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Upsert(sampleMission("m1", "alice"), "alice"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Upsert(sampleMission("m1", "alice"), "alice") //nolint:errcheck
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Delete("m1", "alice") //nolint:errcheck
		}()
	}
	wg.Wait()

	// Whatever interleaving won, the store file must parse and the mission,
	// if present, must be whole.
	got, err := s.Load("alice")
	if err != nil {
		t.Fatalf("store corrupted: %v", err)
	}
	for _, m := range got {
		if len(m.Nodes) != 2 {
			t.Errorf("torn mission: %+v", m)
		}
	}
}

func TestBuildDefaults(t *testing.T) {
	m := Build(BuildInput{
		UserID: "alice",
		Label:  "Digest",
		Nodes: []Node{
			{Label: "Trigger", Type: TypeScheduleTrigger},
			{Label: "Out", Type: TypeNovachatOutput},
		},
	})
	if m.ID == "" {
		t.Error("mission id not minted")
	}
	if m.Settings.Timezone != DefaultTimezone {
		t.Errorf("timezone = %q", m.Settings.Timezone)
	}
	if m.Status != StatusActive || m.Version != 1 {
		t.Errorf("defaults = %+v", m)
	}
	for _, n := range m.Nodes {
		if n.ID == "" {
			t.Error("node id not minted")
		}
	}
	if time.Since(m.CreatedAt) > time.Minute {
		t.Error("createdAt not set")
	}
}
