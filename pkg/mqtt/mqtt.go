// Package mqtt publishes messages to an mqtt broker through a channel, so
// that a slow or absent broker never stalls the producer.
package mqtt

import (
	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/womat/debug"
)

// quiesce is the number of milliseconds Disconnect waits for in-flight
// work to complete.
const quiesce = 250

// Handler wraps the broker client.
type Handler struct {
	handler mqttlib.Client

	// C takes messages to publish; Service drains it.
	C chan Message
}

// Message is one payload to publish.
type Message struct {
	Topic    string
	Payload  []byte
	Qos      byte
	Retained bool
}

// New creates an unconnected broker handler.
func New() *Handler {
	return &Handler{
		C: make(chan Message),
	}
}

// Connect connects to the broker under the given client id.
// An empty broker string means no mqtt at all: the handler stays inert and
// swallows every message, the rest of the application needn't care.
func (m *Handler) Connect(broker, clientID string) error {
	if broker == "" {
		return nil
	}

	opts := mqttlib.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	m.handler = mqttlib.NewClient(opts)
	return m.ReConnect()
}

// ReConnect dials the configured broker again.
func (m *Handler) ReConnect() error {
	t := m.handler.Connect()
	<-t.Done()
	return t.Error()
}

// Disconnect ends the broker connection.
func (m *Handler) Disconnect() error {
	if m.handler == nil {
		return nil
	}

	m.handler.Disconnect(quiesce)
	return nil
}

// Service drains channel C and publishes each message. Without a broker
// connection or a topic the message is dropped. Service blocks and is meant
// to run as its own goroutine.
func (m *Handler) Service() {
	for d := range m.C {
		if m.handler == nil || d.Topic == "" {
			continue
		}

		go func(msg Message) {
			if !m.handler.IsConnected() {
				debug.DebugLog.Print("mqtt broker isn't connected, reconnecting")

				if err := m.ReConnect(); err != nil {
					debug.ErrorLog.Printf("can't reconnect to mqtt broker: %v", err)
					return
				}
			}

			debug.DebugLog.Printf("publishing %v bytes to topic %v", len(msg.Payload), msg.Topic)
			t := m.handler.Publish(msg.Topic, msg.Qos, msg.Retained, msg.Payload)

			// publishing is asynchronous, errors surface on the token
			go func() {
				<-t.Done()
				if err := t.Error(); err != nil {
					debug.ErrorLog.Printf("publishing topic %v: %v", msg.Topic, err)
				}
			}()
		}(d)
	}
}
