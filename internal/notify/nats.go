// Package notify publishes alarm transitions to NATS so other systems can
// react to a lost tag.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/tagwatch/internal/alarm"
)

// Publisher is the subset of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON payload published for each transition.
type Message struct {
	ID              string    `json:"id"`
	Peripheral      string    `json:"peripheral"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Reason          string    `json:"reason"`
	RSSI            float64   `json:"rssi,omitempty"`
	ActuationFailed bool      `json:"actuation_failed"`
	At              time.Time `json:"at"`
}

// Connect dials the NATS server at url.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("tagwatch"),
		nats.Timeout(3*time.Second),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", url, err)
	}
	return nc, nil
}

// Notifier turns transitions into messages on a subject.
type Notifier struct {
	pub     Publisher
	subject string

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a Notifier publishing on subject.
func New(pub Publisher, subject string) *Notifier {
	return &Notifier{
		pub:     pub,
		subject: subject,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Handle publishes tr. Failures are logged and otherwise ignored; it is meant
// to be registered with alarm.Controller.OnTransition.
func (n *Notifier) Handle(tr alarm.Transition) {
	msg := n.Message(tr)
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("[NOTIFY] marshal transition", "error", err)
		return
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		slog.Warn("[NOTIFY] publish failed", "subject", n.subject, "id", msg.ID, "error", err)
		return
	}
	slog.Debug("[NOTIFY] published", "subject", n.subject, "id", msg.ID, "to", msg.To)
}

// Message builds the payload for tr. IDs from one Notifier increase
// monotonically, also within the same millisecond.
func (n *Notifier) Message(tr alarm.Transition) Message {
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	return Message{
		ID:              n.newID(at),
		Peripheral:      tr.Peripheral,
		From:            tr.From.String(),
		To:              tr.To.String(),
		Reason:          tr.Reason,
		RSSI:            tr.RSSI,
		ActuationFailed: tr.ActuationFailed,
		At:              at.UTC(),
	}
}

func (n *Notifier) newID(t time.Time) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), n.entropy).String()
}
