package presence

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rzbill/courier/internal/backplane"
	"github.com/rzbill/courier/pkg/log"
)

// Channel is the pub/sub channel carrying presence-changed notifications.
const Channel = "presence"

const keyUsers = "presence/users"

func keyUser(user string) string { return "presence/u/" + user }

// Entry is one live connection of a user.
type Entry struct {
	ConnID     string
	InstanceID string
}

func (e Entry) member() string { return e.ConnID + "@" + e.InstanceID }

func parseMember(m string) (Entry, bool) {
	conn, inst, ok := strings.Cut(m, "@")
	if !ok || conn == "" || inst == "" {
		return Entry{}, false
	}
	return Entry{ConnID: conn, InstanceID: inst}, true
}

// ChangeEvent is published on Channel after every effective mutation.
type ChangeEvent struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// Directory tracks user presence across the cluster.
type Directory struct {
	bp          backplane.Backplane
	instanceID  string
	logger      log.Logger
	partitioned atomic.Bool
	onPartition func(bool)

	mu    sync.RWMutex
	local map[string]map[string]string // user -> connID -> instanceID
	// removals that failed on the backplane, replayed once it is
	// reachable again; user -> members
	pendingRem map[string][]string
}

// New creates a Directory for this instance.
func New(bp backplane.Backplane, instanceID string, logger log.Logger) *Directory {
	return &Directory{
		bp:         bp,
		instanceID: instanceID,
		logger:     logger.WithComponent("presence"),
		local:      make(map[string]map[string]string),
		pendingRem: make(map[string][]string),
	}
}

// OnPartitionChange registers a callback fired when the directory enters
// or leaves the partitioned state. Used to drive a metrics gauge.
func (d *Directory) OnPartitionChange(fn func(partitioned bool)) { d.onPartition = fn }

// Partitioned reports whether the directory is degraded to local-only
// visibility because the backplane is unreachable.
func (d *Directory) Partitioned() bool { return d.partitioned.Load() }

// InstanceID returns this instance's identifier.
func (d *Directory) InstanceID() string { return d.instanceID }

func (d *Directory) setPartitioned(v bool) bool {
	if d.partitioned.Swap(v) == v {
		return false
	}
	if v {
		d.logger.Warn("backplane unreachable, presence degraded to local-only state")
	} else {
		d.logger.Info("backplane reachable again, presence recovered")
	}
	if d.onPartition != nil {
		d.onPartition(v)
	}
	return true
}

// markHealthy clears the partition flag after a successful backplane
// operation. On the recovery transition, or while failed removals are
// still queued, the instance's state is pushed back to the backplane.
func (d *Directory) markHealthy(ctx context.Context) {
	recovered := d.setPartitioned(false)
	if recovered || d.hasPendingRemovals() {
		d.reconcile(ctx)
	}
}

func (d *Directory) hasPendingRemovals() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pendingRem) > 0
}

func (d *Directory) queueRemoval(userID, member string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.pendingRem[userID] {
		if m == member {
			return
		}
	}
	d.pendingRem[userID] = append(d.pendingRem[userID], member)
}

func (d *Directory) requeue(rems map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for user, members := range rems {
		d.pendingRem[user] = append(d.pendingRem[user], members...)
	}
}

// reconcile replays this instance's connection state onto the backplane:
// live connections are re-added and removals that failed while it was
// unreachable are retried, so no stale member survives recovery.
func (d *Directory) reconcile(ctx context.Context) {
	d.mu.Lock()
	adds := make(map[string][]string, len(d.local))
	for user, conns := range d.local {
		for connID := range conns {
			adds[user] = append(adds[user], Entry{ConnID: connID, InstanceID: d.instanceID}.member())
		}
	}
	rems := d.pendingRem
	d.pendingRem = make(map[string][]string)
	d.mu.Unlock()

	for user, members := range adds {
		err := d.bp.SAdd(ctx, keyUser(user), members...)
		if err == nil {
			err = d.bp.SAdd(ctx, keyUsers, user)
		}
		if err != nil {
			d.requeue(rems)
			d.setPartitioned(true)
			return
		}
	}
	for user, members := range rems {
		for i, m := range members {
			remaining, err := d.bp.SRem(ctx, keyUser(user), m)
			if err == nil && remaining == 0 {
				if _, err = d.bp.SRem(ctx, keyUsers, user); err == nil {
					d.notify(ctx, ChangeEvent{UserID: user, Online: false})
				}
			}
			if err != nil {
				rems[user] = members[i:]
				d.requeue(rems)
				d.setPartitioned(true)
				return
			}
		}
		delete(rems, user)
	}
}

// Register records a live connection for user. Idempotent. The local
// cache is always updated; backplane failure degrades to local-only
// state instead of failing the connect.
func (d *Directory) Register(ctx context.Context, userID, connID string) {
	d.mu.Lock()
	conns := d.local[userID]
	if conns == nil {
		conns = make(map[string]string)
		d.local[userID] = conns
	}
	conns[connID] = d.instanceID
	d.mu.Unlock()

	entry := Entry{ConnID: connID, InstanceID: d.instanceID}
	if err := d.bp.SAdd(ctx, keyUser(userID), entry.member()); err != nil {
		d.setPartitioned(true)
		return
	}
	if err := d.bp.SAdd(ctx, keyUsers, userID); err != nil {
		d.setPartitioned(true)
		return
	}
	d.markHealthy(ctx)
	d.notify(ctx, ChangeEvent{UserID: userID, Online: true})
}

// Unregister removes a connection. When the user's set becomes empty the
// user key is removed and an offline notification is published.
func (d *Directory) Unregister(ctx context.Context, userID, connID string) {
	d.mu.Lock()
	conns := d.local[userID]
	delete(conns, connID)
	localEmpty := len(conns) == 0
	if localEmpty {
		delete(d.local, userID)
	}
	d.mu.Unlock()

	entry := Entry{ConnID: connID, InstanceID: d.instanceID}
	remaining, err := d.bp.SRem(ctx, keyUser(userID), entry.member())
	if err != nil {
		d.queueRemoval(userID, entry.member())
		d.setPartitioned(true)
		return
	}
	if remaining == 0 {
		if _, err := d.bp.SRem(ctx, keyUsers, userID); err != nil {
			d.queueRemoval(userID, entry.member())
			d.setPartitioned(true)
			return
		}
	}
	d.markHealthy(ctx)
	d.notify(ctx, ChangeEvent{UserID: userID, Online: remaining > 0})
}

// Lookup returns all live connections of a user across the cluster. The
// backplane is authoritative; during a partition the instance-local view
// is returned instead and Partitioned() reports true.
func (d *Directory) Lookup(ctx context.Context, userID string) []Entry {
	members, err := d.bp.SMembers(ctx, keyUser(userID))
	if err != nil {
		d.setPartitioned(true)
		return d.localEntries(userID)
	}
	d.markHealthy(ctx)

	out := make([]Entry, 0, len(members))
	for _, m := range members {
		if e, ok := parseMember(m); ok {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns the ids of all users with at least one open
// connection anywhere in the cluster, sorted for stable output. During a
// partition it falls back to users visible on this instance.
func (d *Directory) Snapshot(ctx context.Context) []string {
	users, err := d.bp.SMembers(ctx, keyUsers)
	if err != nil {
		d.setPartitioned(true)
		users = d.localUsers()
	} else {
		d.markHealthy(ctx)
	}
	sort.Strings(users)
	return users
}

func (d *Directory) localEntries(userID string) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conns := d.local[userID]
	out := make([]Entry, 0, len(conns))
	for connID, inst := range conns {
		out = append(out, Entry{ConnID: connID, InstanceID: inst})
	}
	return out
}

func (d *Directory) localUsers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.local))
	for u := range d.local {
		out = append(out, u)
	}
	return out
}

func (d *Directory) notify(ctx context.Context, ev ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := d.bp.Publish(ctx, Channel, payload); err != nil {
		d.logger.Warn("presence notification dropped", log.Str("user", ev.UserID), log.Err(err))
	}
}
