package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/courier/internal/backplane"
	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/presence"
	"github.com/rzbill/courier/pkg/log"
)

type recordingSink struct {
	mu    sync.Mutex
	byUID map[string][]message.Event
	conns map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{byUID: make(map[string][]message.Event), conns: make(map[string]int)}
}

func (s *recordingSink) connect(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[userID]++
}

func (s *recordingSink) DeliverLocal(userID string, ev message.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.conns[userID]
	if n > 0 {
		s.byUID[userID] = append(s.byUID[userID], ev)
	}
	return n
}

func (s *recordingSink) delivered(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUID[userID])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDeliverLocalOnly(t *testing.T) {
	bp := backplane.NewLocal()
	t.Cleanup(func() { bp.Close() })
	dir := presence.New(bp, "node-a", log.NewTestLogger())
	sink := newRecordingSink()
	b := New(bp, dir, sink, log.NewTestLogger(), Hooks{})
	ctx := context.Background()

	sink.connect("alice")
	sink.connect("bob")
	dir.Register(ctx, "alice", "c1")
	dir.Register(ctx, "bob", "c2")

	ev := message.New("alice", "bob", "hi", "")
	d := b.Deliver(ctx, ev)
	if d.Local != 2 || d.Remote != 0 || len(d.Absent) != 0 || d.Flooded {
		t.Fatalf("delivery = %+v, want 2 local only", d)
	}
	if sink.delivered("alice") != 1 || sink.delivered("bob") != 1 {
		t.Fatalf("sender/receiver copies = %d/%d, want 1/1",
			sink.delivered("alice"), sink.delivered("bob"))
	}
}

func TestDeliverAcrossInstances(t *testing.T) {
	bp := backplane.NewLocal()
	t.Cleanup(func() { bp.Close() })
	logger := log.NewTestLogger()

	dirA := presence.New(bp, "node-a", logger)
	dirB := presence.New(bp, "node-b", logger)
	sinkA := newRecordingSink()
	sinkB := newRecordingSink()
	bA := New(bp, dirA, sinkA, logger, Hooks{})
	bB := New(bp, dirB, sinkB, logger, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bB.RunRemote(ctx)
	// Give the subscriber a moment to attach before publishing.
	time.Sleep(20 * time.Millisecond)

	sinkA.connect("alice")
	sinkB.connect("bob")
	dirA.Register(ctx, "alice", "c1")
	dirB.Register(ctx, "bob", "c2")

	ev := message.New("alice", "bob", "hi", "")
	d := bA.Deliver(ctx, ev)
	if d.Local != 1 {
		t.Fatalf("local = %d, want 1 (sender copy)", d.Local)
	}
	if d.Remote != 1 {
		t.Fatalf("remote = %d, want 1 (receiver's instance)", d.Remote)
	}
	waitFor(t, func() bool { return sinkB.delivered("bob") == 1 })
	if got := sinkB.byUID["bob"][0]; got.ID != ev.ID || got.Text != "hi" {
		t.Fatalf("remote copy mismatch: %+v", got)
	}
	if sinkA.delivered("bob") != 0 {
		t.Fatal("receiver delivered on wrong instance")
	}
}

func TestDeliverAbsentPartyIsSilent(t *testing.T) {
	bp := backplane.NewLocal()
	t.Cleanup(func() { bp.Close() })
	dir := presence.New(bp, "node-a", log.NewTestLogger())
	sink := newRecordingSink()
	absent := 0
	b := New(bp, dir, sink, log.NewTestLogger(), Hooks{OnAbsent: func() { absent++ }})
	ctx := context.Background()

	sink.connect("alice")
	dir.Register(ctx, "alice", "c1")

	d := b.Deliver(ctx, message.New("alice", "bob", "hi", ""))
	if d.Local != 1 {
		t.Fatalf("local = %d, want 1", d.Local)
	}
	if len(d.Absent) != 1 || d.Absent[0] != "bob" {
		t.Fatalf("absent = %v, want [bob]", d.Absent)
	}
	if absent != 1 {
		t.Fatalf("absent hook fired %d times, want 1", absent)
	}
}

type blindBackplane struct {
	backplane.Backplane
}

func (blindBackplane) SMembers(context.Context, string) ([]string, error) {
	return nil, backplane.ErrUnavailable
}

func TestDeliverFloodsWhilePartitioned(t *testing.T) {
	inner := backplane.NewLocal()
	t.Cleanup(func() { inner.Close() })
	logger := log.NewTestLogger()

	// node-a cannot read presence but can still publish.
	dirA := presence.New(blindBackplane{inner}, "node-a", logger)
	sinkA := newRecordingSink()
	bA := New(inner, dirA, sinkA, logger, Hooks{})

	dirB := presence.New(inner, "node-b", logger)
	sinkB := newRecordingSink()
	bB := New(inner, dirB, sinkB, logger, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bB.RunRemote(ctx)
	time.Sleep(20 * time.Millisecond)

	sinkA.connect("alice")
	dirA.Register(ctx, "alice", "c1")
	sinkB.connect("bob")
	dirB.Register(ctx, "bob", "c2")

	ev := message.New("alice", "bob", "hi", "")
	d := bA.Deliver(ctx, ev)
	if !d.Flooded {
		t.Fatalf("delivery = %+v, want flooded", d)
	}
	if len(d.Absent) != 0 {
		t.Fatalf("partitioned lookup classified %v as absent", d.Absent)
	}
	// Sender's local copy still lands through the cache fallback.
	if d.Local != 1 {
		t.Fatalf("local = %d, want 1", d.Local)
	}
	waitFor(t, func() bool { return sinkB.delivered("bob") == 1 })
}

// lossyBackplane drops publishes to one channel.
type lossyBackplane struct {
	backplane.Backplane
	failChannel string
}

func (l lossyBackplane) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == l.failChannel {
		return backplane.ErrUnavailable
	}
	return l.Backplane.Publish(ctx, channel, payload)
}

func TestFloodSkipsInstancesAlreadyServed(t *testing.T) {
	inner := backplane.NewLocal()
	t.Cleanup(func() { inner.Close() })
	logger := log.NewTestLogger()

	// node-a can publish everywhere except node-c's targeted channel.
	dirA := presence.New(inner, "node-a", logger)
	sinkA := newRecordingSink()
	bA := New(lossyBackplane{inner, ChannelFor("node-c")}, dirA, sinkA, logger, Hooks{})

	dirB := presence.New(inner, "node-b", logger)
	sinkB := newRecordingSink()
	bB := New(inner, dirB, sinkB, logger, Hooks{})

	dirC := presence.New(inner, "node-c", logger)
	sinkC := newRecordingSink()
	bC := New(inner, dirC, sinkC, logger, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bB.RunRemote(ctx)
	go bC.RunRemote(ctx)
	time.Sleep(20 * time.Millisecond)

	sinkA.connect("alice")
	dirA.Register(ctx, "alice", "c1")
	sinkB.connect("bob")
	dirB.Register(ctx, "bob", "c2")
	sinkC.connect("bob")
	dirC.Register(ctx, "bob", "c3")

	ev := message.New("alice", "bob", "hi", "")
	d := bA.Deliver(ctx, ev)
	if d.Local != 1 || d.Remote != 1 || !d.Flooded {
		t.Fatalf("delivery = %+v, want one targeted publish plus flood", d)
	}

	// The flood reaches node-c, whose targeted publish was lost.
	waitFor(t, func() bool { return sinkC.delivered("bob") == 1 })
	// node-b already got its targeted copy; the flood must not repeat it.
	time.Sleep(50 * time.Millisecond)
	if got := sinkB.delivered("bob"); got != 1 {
		t.Fatalf("served instance delivered %d copies, want exactly 1", got)
	}
}

func TestRunRemoteIgnoresOwnFlood(t *testing.T) {
	bp := backplane.NewLocal()
	t.Cleanup(func() { bp.Close() })
	logger := log.NewTestLogger()
	dir := presence.New(bp, "node-a", logger)
	sink := newRecordingSink()
	b := New(bp, dir, sink, logger, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunRemote(ctx)
	time.Sleep(20 * time.Millisecond)

	sink.connect("alice")
	ev := message.New("alice", "bob", "hi", "")
	payload, err := json.Marshal(envelope{Origin: "node-a", Users: []string{"alice"}, Event: ev})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := bp.Publish(ctx, ChannelAll, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if sink.delivered("alice") != 0 {
		t.Fatal("instance delivered its own flood publish")
	}
}
