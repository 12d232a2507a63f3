package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := &MessageRecord{ID: "m1", Channel: ChannelEmail, Recipient: "a@example.com", Status: StatusQueued}
	if err := s.CreateMessage(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set on the caller's record")
	}

	got, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Recipient != "a@example.com" || got.Status != StatusQueued {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMemoryStore_Duplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.CreateMessage(ctx, &MessageRecord{ID: "m1"})
	if err := s.CreateMessage(ctx, &MessageRecord{ID: "m1"}); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetMessage(context.Background(), "nope"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	_, err := s.UpdateMessage(context.Background(), "nope", func(*MessageRecord) error { return nil })
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateErrorLeavesRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.CreateMessage(ctx, &MessageRecord{ID: "m1", Status: StatusQueued})

	_, err := s.UpdateMessage(ctx, "m1", func(r *MessageRecord) error {
		r.Status = StatusSent
		return fmt.Errorf("abort")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	got, _ := s.GetMessage(ctx, "m1")
	if got.Status != StatusQueued {
		t.Fatalf("status changed despite error: %s", got.Status)
	}
}

func TestMemoryStore_ReturnedCopiesAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	msg := "boom"
	_ = s.CreateMessage(ctx, &MessageRecord{ID: "m1", LastError: &msg})

	got, _ := s.GetMessage(ctx, "m1")
	*got.LastError = "mutated"

	again, _ := s.GetMessage(ctx, "m1")
	if *again.LastError != "boom" {
		t.Fatalf("store shared pointer with caller: %s", *again.LastError)
	}
}

// Concurrent read-modify-write on one id must not lose increments.
func TestMemoryStore_ConcurrentUpdatesSameID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.CreateMessage(ctx, &MessageRecord{ID: "counter", Priority: ""})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdateMessage(ctx, "counter", func(r *MessageRecord) error {
				r.Priority += "x"
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.GetMessage(ctx, "counter")
	if len(got.Priority) != 200 {
		t.Fatalf("lost updates: got %d, want 200", len(got.Priority))
	}
}

func TestMemoryStore_ListByRecipient(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ctx := context.Background()

	seed := []*MessageRecord{
		{ID: "e1", Channel: ChannelEmail, Recipient: "a@example.com"},
		{ID: "s1", Channel: ChannelSMS, Recipient: "a@example.com"},
		{ID: "e2", Channel: ChannelEmail, Recipient: "a@example.com"},
		{ID: "x1", Channel: ChannelEmail, Recipient: "b@example.com"},
		{ID: "e3", Channel: ChannelEmail, Recipient: "a@example.com"},
	}
	for _, rec := range seed {
		if err := s.CreateMessage(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}

	tests := []struct {
		name    string
		channel Channel
		limit   int
		offset  int
		want    []string
	}{
		{"all channels newest first", "", 0, 0, []string{"e3", "e2", "s1", "e1"}},
		{"email only", ChannelEmail, 0, 0, []string{"e3", "e2", "e1"}},
		{"limit", ChannelEmail, 2, 0, []string{"e3", "e2"}},
		{"offset", ChannelEmail, 2, 2, []string{"e1"}},
		{"offset past end", "", 10, 9, nil},
		{"no match", ChannelPush, 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListByRecipient(ctx, "a@example.com", tt.channel, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			ids := make([]string, len(got))
			for i, rec := range got {
				ids[i] = rec.ID
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.want) {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestChannelValid(t *testing.T) {
	for _, ch := range Channels {
		if !ch.Valid() {
			t.Errorf("%s should be valid", ch)
		}
	}
	for _, ch := range []Channel{"", "fax", "Email"} {
		if ch.Valid() {
			t.Errorf("%q should be invalid", ch)
		}
	}
}
