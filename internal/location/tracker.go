package location

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/models"
)

// Tracker relays driver GPS updates to the platform's driver-locations
// topic and re-publishes the last known position as a heartbeat so the
// matcher keeps seeing this driver between app updates.
type Tracker struct {
	writer   *kafka.Writer
	driverID string

	mu   sync.Mutex
	last models.Coord
}

type heartbeat struct {
	DriverID string       `json:"id"`
	Loc      models.Coord `json:"loc"`
	Online   bool         `json:"online"`
	Sent     time.Time    `json:"updated"`
}

func NewTracker(brokers []string, topic, driverID string) *Tracker {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Tracker{writer: w, driverID: driverID}
}

// Update records a fresh position from the driver app and publishes it.
func (t *Tracker) Update(loc models.Coord) error {
	t.mu.Lock()
	t.last = loc
	t.mu.Unlock()
	return t.publish(loc, true)
}

// Heartbeat re-publishes the last known position.
func (t *Tracker) Heartbeat() error {
	t.mu.Lock()
	loc := t.last
	t.mu.Unlock()
	return t.publish(loc, true)
}

// Offline announces the driver going offline; called at teardown.
func (t *Tracker) Offline() error {
	t.mu.Lock()
	loc := t.last
	t.mu.Unlock()
	return t.publish(loc, false)
}

func (t *Tracker) publish(loc models.Coord, online bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(heartbeat{DriverID: t.driverID, Loc: loc, Online: online, Sent: time.Now()})
	return t.writer.WriteMessages(ctx, kafka.Message{Key: []byte(t.driverID), Value: b})
}

func (t *Tracker) Close() error {
	if t.writer == nil {
		return nil
	}
	return t.writer.Close()
}
