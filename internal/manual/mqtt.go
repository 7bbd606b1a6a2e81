package manual

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/balance_bot/internal/event"
	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

// DefaultStaleAfter is how long a remote command stays valid without a
// fresh message.
const DefaultStaleAfter = time.Second

// RemoteCommand is the JSON payload of the MQTT remote topic.
type RemoteCommand struct {
	Forward float64 `json:"forward"`
	Turn    float64 `json:"turn"`
}

// MQTTSource is a PositionSource fed by an MQTT topic. The client must
// already be connected.
type MQTTSource struct {
	client     mqtt.Client
	topic      string
	bus        *event.Bus
	clock      timeutil.Clock
	staleAfter time.Duration

	mu   sync.Mutex
	cmd  RemoteCommand
	have bool
	at   time.Time
}

func NewMQTTSource(client mqtt.Client, topic string, bus *event.Bus, clock timeutil.Clock) *MQTTSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &MQTTSource{client: client, topic: topic, bus: bus, clock: clock, staleAfter: DefaultStaleAfter}
}

func (s *MQTTSource) Start() error {
	s.mu.Lock()
	s.have = false
	s.mu.Unlock()

	token := s.client.Subscribe(s.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if err := s.handle(msg.Payload()); err != nil {
			s.bus.Post(event.Manual, err.Error(), event.Warning)
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("manual: subscribe %s: %w", s.topic, err)
	}
	s.bus.Post(event.Manual, "subscribed to "+s.topic, event.Info)
	return nil
}

func (s *MQTTSource) handle(payload []byte) error {
	var cmd RemoteCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("manual: remote payload: %w", err)
	}
	if !isFinite(cmd.Forward) || !isFinite(cmd.Turn) {
		return fmt.Errorf("manual: remote payload out of range: %+v", cmd)
	}
	s.mu.Lock()
	s.cmd, s.have, s.at = cmd, true, s.clock.Now()
	s.mu.Unlock()
	return nil
}

// Position returns the last command, or ErrNoPosition when none arrived
// within the stale window.
func (s *MQTTSource) Position() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.have || s.clock.Since(s.at) > s.staleAfter {
		return 0, 0, ErrNoPosition
	}
	return s.cmd.Forward, s.cmd.Turn, nil
}

func (s *MQTTSource) Stop() error {
	s.mu.Lock()
	s.have = false
	s.mu.Unlock()

	token := s.client.Unsubscribe(s.topic)
	token.Wait()
	return token.Error()
}
