package idempotency

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/novachat/nova/internal/persist"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewStore(persist.NewKit(), persist.NewPaths(t.TempDir()))
	s.now = func() time.Time { return now }
	return s, &now
}

func TestNormalizePrompt(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapse", "Send  me\n\tnews", "send me news"},
		{"trim", "  hi  ", "hi"},
		{"cap", strings.Repeat("x", 2000), strings.Repeat("x", 1200)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePrompt(tt.in); got != tt.want {
				t.Errorf("NormalizePrompt = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveKeyDeterministic(t *testing.T) {
	in := BuildInput{UserContextID: "alice", Prompt: "Daily  News", Timezone: "UTC"}
	k1, err := ResolveKey(in)
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := ResolveKey(BuildInput{UserContextID: "Alice", Prompt: "daily news", Timezone: "UTC"})
	if k1 != k2 {
		t.Errorf("normalized inputs should share a key: %q vs %q", k1, k2)
	}
	if !strings.HasPrefix(k1, "mission-build:alice:") {
		t.Errorf("key = %q", k1)
	}
	if hash := k1[strings.LastIndex(k1, ":")+1:]; len(hash) != 32 {
		t.Errorf("hash suffix len = %d, want 32", len(hash))
	}
}

func TestResolveKeyMissingUser(t *testing.T) {
	_, err := ResolveKey(BuildInput{UserContextID: "###"})
	if !errors.Is(err, ErrMissingUserContext) {
		t.Errorf("err = %v, want ErrMissingUserContext", err)
	}
}

func TestReserveLifecycle(t *testing.T) {
	s, now := newTestStore(t)
	in := BuildInput{UserContextID: "bob", Prompt: "crypto digest"}

	first, err := s.Reserve(in)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != OutcomeStarted {
		t.Fatalf("first reserve = %q, want started", first.Status)
	}

	second, err := s.Reserve(in)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != OutcomePending {
		t.Fatalf("second reserve = %q, want pending", second.Status)
	}
	if second.RetryAfterMs < 250 || second.RetryAfterMs > 4000 {
		t.Errorf("retryAfterMs = %d, want within [250,4000]", second.RetryAfterMs)
	}

	if err := s.Finalize(FinalizeInput{
		UserContextID: "bob", Key: first.Key, OK: true, Result: `{"missionId":"m1"}`,
	}); err != nil {
		t.Fatal(err)
	}

	third, err := s.Reserve(in)
	if err != nil {
		t.Fatal(err)
	}
	if third.Status != OutcomeCompleted || third.Result == "" {
		t.Fatalf("after finalize = %+v, want completed with result", third)
	}

	// Completed rows expire after their TTL and the fingerprint frees up.
	*now = now.Add(6 * time.Minute)
	fourth, err := s.Reserve(in)
	if err != nil {
		t.Fatal(err)
	}
	if fourth.Status != OutcomeStarted {
		t.Errorf("post-expiry reserve = %q, want started", fourth.Status)
	}
}

func TestReserveFailedSurfacesError(t *testing.T) {
	s, _ := newTestStore(t)
	in := BuildInput{UserContextID: "bob", Prompt: "x"}
	first, _ := s.Reserve(in)
	if err := s.Finalize(FinalizeInput{
		UserContextID: "bob", Key: first.Key, OK: false, Error: "builder exploded",
	}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Reserve(in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OutcomeFailed || got.Error != "builder exploded" {
		t.Errorf("got %+v", got)
	}
}

func TestPendingExpiryFreesKey(t *testing.T) {
	s, now := newTestStore(t)
	in := BuildInput{UserContextID: "carol", Prompt: "weather"}
	if r, _ := s.Reserve(in); r.Status != OutcomeStarted {
		t.Fatal("setup failed")
	}
	*now = now.Add(121 * time.Second)
	got, err := s.Reserve(in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OutcomeStarted {
		t.Errorf("after pending TTL = %q, want started", got.Status)
	}
}

func TestFinalizeUnknownKeyNoop(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Finalize(FinalizeInput{UserContextID: "dave", Key: "mission-build:dave:deadbeef", OK: true}); err != nil {
		t.Errorf("unknown key finalize: %v", err)
	}
}

func TestUsersDoNotShareReservations(t *testing.T) {
	s, _ := newTestStore(t)
	a, _ := s.Reserve(BuildInput{UserContextID: "usera", Prompt: "same prompt"})
	b, _ := s.Reserve(BuildInput{UserContextID: "userb", Prompt: "same prompt"})
	if a.Status != OutcomeStarted || b.Status != OutcomeStarted {
		t.Errorf("per-user fingerprints must be independent: %q / %q", a.Status, b.Status)
	}
	if a.Key == b.Key {
		t.Errorf("keys must differ across users")
	}
}
