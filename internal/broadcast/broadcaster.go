package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rzbill/courier/internal/backplane"
	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/internal/presence"
	"github.com/rzbill/courier/pkg/log"
)

// ChannelAll is the flood channel every instance subscribes to. It is
// only published to while the origin instance is partitioned.
const ChannelAll = "fanout/all"

// ChannelFor returns the targeted fan-out channel for an instance.
func ChannelFor(instanceID string) string { return "fanout/" + instanceID }

// LocalSink delivers an event to a user's connections on this instance.
// It returns the number of connections reached; zero when the user has
// none here.
type LocalSink interface {
	DeliverLocal(userID string, ev message.Event) int
}

// Delivery summarizes one fan-out.
type Delivery struct {
	// Local is the number of connections reached on this instance.
	Local int
	// Remote is the number of instances a targeted publish went to.
	Remote int
	// Absent lists parties with no presence anywhere.
	Absent []string
	// Flooded reports that the event also went out on the shared channel,
	// either because the directory was partitioned or because a targeted
	// publish failed.
	Flooded bool
}

// Hooks observe fan-out outcomes. All fields are optional.
type Hooks struct {
	OnLocal  func()
	OnRemote func()
	OnAbsent func()
}

// envelope is the wire form of a cross-instance fan-out. Served maps
// instance id to the users a targeted publish already delivered there,
// so a flood never repeats a delivery.
type envelope struct {
	Origin string              `json:"origin"`
	Users  []string            `json:"users"`
	Served map[string][]string `json:"served,omitempty"`
	Event  message.Event       `json:"event"`
}

// Broadcaster routes events to sender and receiver connections.
type Broadcaster struct {
	bp     backplane.Backplane
	dir    *presence.Directory
	sink   LocalSink
	logger log.Logger
	hooks  Hooks
}

// New builds a broadcaster over the presence directory. sink serves this
// instance's connections.
func New(bp backplane.Backplane, dir *presence.Directory, sink LocalSink, logger log.Logger, hooks Hooks) *Broadcaster {
	return &Broadcaster{
		bp:     bp,
		dir:    dir,
		sink:   sink,
		logger: logger.WithComponent("broadcast"),
		hooks:  hooks,
	}
}

// Deliver fans ev out to every connection of its sender and receiver.
// It never fails the send path: publish errors are logged and the local
// deliveries that did succeed stand.
func (b *Broadcaster) Deliver(ctx context.Context, ev message.Event) Delivery {
	var d Delivery
	self := b.dir.InstanceID()
	remote := make(map[string][]string)
	flood := false

	for _, user := range parties(ev) {
		entries := b.dir.Lookup(ctx, user)
		if len(entries) == 0 {
			if b.dir.Partitioned() {
				flood = true
				continue
			}
			d.Absent = append(d.Absent, user)
			if b.hooks.OnAbsent != nil {
				b.hooks.OnAbsent()
			}
			continue
		}

		servedLocal := false
		for _, e := range entries {
			if e.InstanceID == self {
				if !servedLocal {
					n := b.sink.DeliverLocal(user, ev)
					d.Local += n
					if n > 0 && b.hooks.OnLocal != nil {
						b.hooks.OnLocal()
					}
					servedLocal = true
				}
				continue
			}
			if !contains(remote[e.InstanceID], user) {
				remote[e.InstanceID] = append(remote[e.InstanceID], user)
			}
		}
	}

	// A partitioned directory may be blind to remote connections even for
	// users it found locally, so the event is flooded as well.
	if b.dir.Partitioned() {
		flood = true
	}

	served := make(map[string][]string, len(remote))
	for instance, users := range remote {
		if err := b.publish(ctx, ChannelFor(instance), envelope{Origin: self, Users: users, Event: ev}); err != nil {
			b.logger.Warn("targeted fan-out failed",
				log.Str("instance", instance), log.Str("id", ev.ID), log.Err(err))
			flood = true
			continue
		}
		served[instance] = users
		d.Remote++
		if b.hooks.OnRemote != nil {
			b.hooks.OnRemote()
		}
	}

	if flood {
		env := envelope{Origin: self, Users: parties(ev), Served: served, Event: ev}
		if err := b.publish(ctx, ChannelAll, env); err != nil {
			b.logger.Warn("flood fan-out failed", log.Str("id", ev.ID), log.Err(err))
		} else {
			d.Flooded = true
		}
	}
	return d
}

func (b *Broadcaster) publish(ctx context.Context, channel string, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broadcast: encode %s: %w", env.Event.ID, err)
	}
	return b.bp.Publish(ctx, channel, payload)
}

// RunRemote consumes inbound fan-out publishes addressed to this
// instance and delivers them to local connections. It blocks until ctx
// is canceled or the subscription closes.
func (b *Broadcaster) RunRemote(ctx context.Context) error {
	self := b.dir.InstanceID()
	sub, err := b.bp.Subscribe(ctx, ChannelFor(self), ChannelAll)
	if err != nil {
		return fmt.Errorf("broadcast: subscribe: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				b.logger.Warn("dropping undecodable fan-out", log.Str("channel", msg.Channel), log.Err(err))
				continue
			}
			// A flood publish also reaches its origin, which has already
			// served its own connections, and instances whose targeted
			// copy went through.
			if msg.Channel == ChannelAll && env.Origin == self {
				continue
			}
			var already []string
			if msg.Channel == ChannelAll {
				already = env.Served[self]
			}
			for _, user := range env.Users {
				if contains(already, user) {
					continue
				}
				if n := b.sink.DeliverLocal(user, env.Event); n > 0 && b.hooks.OnLocal != nil {
					b.hooks.OnLocal()
				}
			}
		}
	}
}

// parties returns the distinct users an event must reach.
func parties(ev message.Event) []string {
	if ev.SenderID == ev.ReceiverID {
		return []string{ev.SenderID}
	}
	return []string{ev.SenderID, ev.ReceiverID}
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
