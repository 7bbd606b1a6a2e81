package telemetry

import (
	"encoding/json"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/balance_bot/internal/event"
)

// Publisher is the part of mqtt.Client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes every event as JSON to <prefix>/<slug>. Publishing is
// fire and forget; the handler never waits on the token.
type MQTTSink struct {
	pub    Publisher
	prefix string
	runID  string

	dropped atomic.Int64
}

func NewMQTTSink(pub Publisher, prefix, runID string) *MQTTSink {
	return &MQTTSink{pub: pub, prefix: prefix, runID: runID}
}

// Subscribe attaches the sink to the given types, or to all of them.
func (s *MQTTSink) Subscribe(bus *event.Bus, types ...event.Type) {
	bus.SubscribeAll(s.Handle, types...)
}

// Topic returns the topic events of type t go to.
func (s *MQTTSink) Topic(t event.Type) string {
	return s.prefix + "/" + Slug(t)
}

func (s *MQTTSink) Handle(e event.Event) {
	msg := newMessage(s.runID, e)
	payload, err := json.Marshal(msg)
	if err != nil {
		// values such as NaN do not encode; keep the text
		msg.Value = nil
		if payload, err = json.Marshal(msg); err != nil {
			s.dropped.Add(1)
			return
		}
	}
	s.pub.Publish(s.Topic(e.Type), 0, false, payload)
}

// Dropped counts events that could not be encoded.
func (s *MQTTSink) Dropped() int64 { return s.dropped.Load() }
