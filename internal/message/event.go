package message

import (
	"errors"
	"hash/crc32"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is an event's delivery status. Transitions are monotonic:
// sent -> persisted or sent -> persist_failed, never backwards.
type Status string

const (
	StatusSent          Status = "sent"
	StatusPersisted     Status = "persisted"
	StatusPersistFailed Status = "persist_failed"
)

// Event is one chat message. Immutable after creation except for Status.
type Event struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Text        string `json:"text"`
	Image       string `json:"image,omitempty"`
	CreatedAtMs int64  `json:"timestamp"`
	Status      Status `json:"status"`
}

// New creates an Event with a freshly assigned id and timestamp.
// The id is assigned here, not at storage time, so duplicate log
// deliveries can be detected downstream.
func New(sender, receiver, text, image string) Event {
	return Event{
		ID:          uuid.NewString(),
		SenderID:    sender,
		ReceiverID:  receiver,
		Text:        text,
		Image:       image,
		CreatedAtMs: time.Now().UnixMilli(),
		Status:      StatusSent,
	}
}

// ErrInvalid reports a malformed send payload.
var ErrInvalid = errors.New("message: invalid event")

// Validate rejects events no pipeline stage should accept.
func (e Event) Validate() error {
	if e.ID == "" || e.SenderID == "" || e.ReceiverID == "" {
		return ErrInvalid
	}
	// '/' and ':' delimit the conv index keys; an id carrying them would
	// bleed into another pair's scan range.
	if strings.ContainsAny(e.SenderID, "/:") || strings.ContainsAny(e.ReceiverID, "/:") {
		return ErrInvalid
	}
	if e.Text == "" && e.Image == "" {
		return ErrInvalid
	}
	return nil
}

// MarkPersisted transitions sent -> persisted. Returns false if the
// event is already terminal.
func (e *Event) MarkPersisted() bool {
	if e.Status != StatusSent {
		return false
	}
	e.Status = StatusPersisted
	return true
}

// MarkPersistFailed transitions sent -> persist_failed. Returns false if
// the event is already terminal.
func (e *Event) MarkPersistFailed() bool {
	if e.Status != StatusSent {
		return false
	}
	e.Status = StatusPersistFailed
	return true
}

// PairKey returns the deterministic key for the unordered {a, b} pair, so
// both directions of a conversation map to the same partition.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Partition maps a pair key onto one of n partitions.
func Partition(pairKey string, n int) uint32 {
	if n <= 1 {
		return 0
	}
	return crc32.ChecksumIEEE([]byte(pairKey)) % uint32(n)
}
