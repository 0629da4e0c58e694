package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/hays/internal/model"
)

func TestReconcilerEchoConsumedOnce(t *testing.T) {
	r := NewReconciler()
	if !r.RegisterSent("k") {
		t.Fatalf("RegisterSent on a fresh key")
	}
	if v := r.Arrival("k"); v != VerdictEcho {
		t.Fatalf("first arrival = %s, want echo", v)
	}
	if v := r.Arrival("k"); v != VerdictDuplicate {
		t.Fatalf("second arrival = %s, want duplicate", v)
	}
}

func TestReconcilerEchoBeforeResponse(t *testing.T) {
	r := NewReconciler()
	if v := r.Arrival("k"); v != VerdictNew {
		t.Fatalf("arrival = %s", v)
	}
	if r.RegisterSent("k") {
		t.Fatalf("RegisterSent must report an already rendered key")
	}
	if r.PendingEcho("k") {
		t.Fatalf("no echo is expected any more")
	}
}

func TestReconcilerHistoryAndReset(t *testing.T) {
	r := NewReconciler()
	r.SeedHistory([]string{"a", "b"})
	if v := r.Arrival("a"); v != VerdictDuplicate {
		t.Fatalf("history key arrival = %s", v)
	}
	r.ResetSeen()
	if r.Seen("a") {
		t.Fatalf("seen set survived reset")
	}
	r.RecordRead("c1")
	r.ResetSeen()
	if !r.ReadMarked("c1") {
		t.Fatalf("read-marked set is per session, not per conversation switch")
	}
}

func TestIdentityKey(t *testing.T) {
	ts := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)
	if got := IdentityKey(model.Message{ID: "42", Content: "x"}); got != "42" {
		t.Fatalf("server id key = %q", got)
	}
	long := strings.Repeat("é", 20)
	got := IdentityKey(model.Message{SenderID: "u1", Content: long, CreatedAt: ts})
	want := "2024-02-02T10:00:00Z-u1-" + strings.Repeat("é", 16)
	if got != want {
		t.Fatalf("fallback key = %q, want %q", got, want)
	}
	other := IdentityKey(model.Message{SenderID: "u1", Content: long + "tail", CreatedAt: ts})
	if other != got {
		t.Fatalf("keys differ beyond the content prefix; collision is the documented limitation")
	}
}
