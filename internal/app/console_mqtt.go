package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/relabs-tech/balance_bot/internal/logging"
	"github.com/relabs-tech/balance_bot/internal/telemetry"
)

// RunConsoleMQTT prints the telemetry a robot publishes under prefix until
// ctx is done.
func RunConsoleMQTT(ctx context.Context, broker, prefix string) error {
	log := logging.Component(logging.New(logging.Options{Console: true}), "console")
	client, err := connectMQTT(broker, "balance_bot-console")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	log.Info().Str("broker", broker).Msg("connected to MQTT broker")

	topic := strings.TrimSuffix(prefix, "/") + "/#"
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		printMessage(os.Stdout, log, msg.Topic(), msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Info().Str("topic", topic).Msg("subscribed")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

func printMessage(w io.Writer, log zerolog.Logger, topic string, payload []byte) {
	line, err := formatMessage(payload)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("unmarshal error")
		return
	}
	fmt.Fprintln(w, line)
}

// formatMessage renders one published event as a console line.
func formatMessage(payload []byte) (string, error) {
	var m telemetry.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", err
	}
	line := fmt.Sprintf("[%s] %-7s %-20s %s",
		m.Time.Format("15:04:05.000"), strings.ToUpper(m.Level), m.Event, m.Message)
	if m.Value != nil {
		if v, err := json.Marshal(m.Value); err == nil {
			line += " " + string(v)
		}
	}
	return line, nil
}
