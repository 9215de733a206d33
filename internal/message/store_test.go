package message

import (
	"context"
	"errors"
	"testing"

	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestSaveIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ev := New("u1", "u2", "hi", "")

	inserted, err := s.Save(ctx, ev, 1)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !inserted {
		t.Fatalf("first save should insert")
	}

	// replaying the same record N times leaves exactly one stored copy
	for i := 0; i < 5; i++ {
		inserted, err = s.Save(ctx, ev, 1)
		if err != nil {
			t.Fatalf("replay save: %v", err)
		}
		if inserted {
			t.Fatalf("replay must be a no-op")
		}
	}

	got, err := s.Get(ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPersisted {
		t.Fatalf("stored status: %q", got.Status)
	}
	if got.Text != "hi" {
		t.Fatalf("stored body: %q", got.Text)
	}

	msgs, err := s.FindConversation("u1", "u2", 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("want exactly 1 record, got %d", len(msgs))
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	bad := Event{ID: "x", SenderID: "u1"}
	if _, err := s.Save(context.Background(), bad, 1); err == nil {
		t.Fatalf("invalid event accepted")
	}
	// a '/' in a user id would index under another pair's scan range
	sneaky := New("u1/2", "u2", "hi", "")
	if _, err := s.Save(context.Background(), sneaky, 1); !errors.Is(err, ErrInvalid) {
		t.Fatalf("delimiter in user id accepted: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestFindConversationOrderAndIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := New("u1", "u2", "A", "")
	b := New("u2", "u1", "B", "")
	c := New("u1", "u2", "C", "")
	other := New("u1", "u3", "other", "")

	for i, ev := range []Event{a, b, c} {
		if _, err := s.Save(ctx, ev, uint64(i+1)); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	if _, err := s.Save(ctx, other, 1); err != nil {
		t.Fatalf("save other: %v", err)
	}

	msgs, err := s.FindConversation("u2", "u1", 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("want 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"A", "B", "C"} {
		if msgs[i].Text != want {
			t.Fatalf("order broken at %d: got %q want %q", i, msgs[i].Text, want)
		}
	}

	msgs, err = s.FindConversation("u1", "u3", 0)
	if err != nil {
		t.Fatalf("find other: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "other" {
		t.Fatalf("conversation isolation broken: %v", msgs)
	}
}

func TestFindConversationLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.Save(ctx, New("u1", "u2", "m", ""), uint64(i+1)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	msgs, err := s.FindConversation("u1", "u2", 2)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("limit ignored: %d", len(msgs))
	}
}
