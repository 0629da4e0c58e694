package optimistic

import (
	"context"
	"errors"
	"testing"
)

func TestDoConfirmsOnSuccess(t *testing.T) {
	count := 10
	confirmed := 0
	got, err := Do(context.Background(), Mutation[int]{
		Name: "like",
		Apply: func() func() {
			prev := count
			count++
			return func() { count = prev }
		},
		Remote:  func(context.Context) (int, error) { return 12, nil },
		Confirm: func(v int) { confirmed = v; count = v },
	})
	if err != nil || got != 12 || confirmed != 12 || count != 12 {
		t.Fatalf("got=%d err=%v confirmed=%d count=%d", got, err, confirmed, count)
	}
}

func TestDoRevertsOnFailure(t *testing.T) {
	following := false
	boom := errors.New("boom")
	_, err := Do(context.Background(), Mutation[struct{}]{
		Name: "follow",
		Apply: func() func() {
			following = true
			return func() { following = false }
		},
		Remote:  func(context.Context) (struct{}, error) { return struct{}{}, boom },
		Confirm: func(struct{}) { t.Fatalf("confirm called on failure") },
	})
	if !errors.Is(err, boom) || err.Error() != "follow: boom" {
		t.Fatalf("err = %v", err)
	}
	if following {
		t.Fatalf("state not reverted")
	}
}

func TestDoWithoutApply(t *testing.T) {
	_, err := Do(context.Background(), Mutation[int]{
		Remote: func(context.Context) (int, error) { return 0, context.Canceled },
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
