// Package status publishes guider status events to an MQTT broker.
package status

import (
	"encoding/json"
	"fmt"
	"time"

	"aoguide/pkg/guider"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	clientID       = "aoguide"
	publishTimeout = 2 * time.Second
)

// Config selects the broker and topic root.
type Config struct {
	Host      string
	Username  string
	Password  string
	TopicRoot string
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Sink is a guider.EventSink that publishes every event as JSON to
// <root>/events and the latest event per device to <root>/<device>/state.
// Publishing is best effort: failures are logged and dropped.
type Sink struct {
	client    publisher
	topicRoot string
	logger    log.FieldLogger

	disconnect func()
}

// Connect creates an MQTT client and connects it to the broker.
func Connect(cfg Config, logger log.FieldLogger) (*Sink, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}

	opts := mqtt.NewClientOptions()
	opts.SetClientID(clientID)
	opts.AddBroker(cfg.Host)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warnf("MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}

	s := newSink(client, cfg.TopicRoot, logger)
	s.disconnect = func() { client.Disconnect(250) }
	return s, nil
}

func newSink(client publisher, topicRoot string, logger log.FieldLogger) *Sink {
	return &Sink{
		client:    client,
		topicRoot: topicRoot,
		logger:    logger.WithField("component", "status"),
	}
}

func (s *Sink) Publish(e guider.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Errorf("Failed to encode event: %v", err)
		return
	}

	s.send(s.topicRoot+"/events", false, payload)
	if e.Device != "" {
		s.send(fmt.Sprintf("%s/%s/state", s.topicRoot, topicSegment(e.Device)), true, payload)
	}
}

func (s *Sink) send(topic string, retained bool, payload []byte) {
	token := s.client.Publish(topic, 0, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			s.logger.Debugf("Publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Debugf("Publish to %s failed: %v", topic, err)
		}
	}()
}

// Close disconnects from the broker.
func (s *Sink) Close() {
	if s.disconnect != nil {
		s.disconnect()
	}
}

// topicSegment makes a device name safe to use as one topic level.
func topicSegment(name string) string {
	out := []rune(name)
	for i, r := range out {
		switch r {
		case '/', '+', '#', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}
