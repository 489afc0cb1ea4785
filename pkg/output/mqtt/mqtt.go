package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/aio-to-mqtt/pkg/config"
	"github.com/ericogr/aio-to-mqtt/pkg/output"
)

const (
	// defaults
	DefaultServer          = "tcp://localhost:1883"
	DefaultClientID        = "aio-client"
	DefaultStateTopic      = "aio/%s"
	DefaultDiscoveryPrefix = "homeassistant"
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	keyPayloadOn           = "payload_on"
	keyPayloadOff          = "payload_off"
	unitCelsius            = "°C"
	deviceClassTemperature = "temperature"
	stateClassMeasurement  = "measurement"
	valueTemplateCelsius   = "{{ value_json.celsius }}"
	valueTemplateRaw       = "{{ value_json.raw }}"
	valueTemplateEdge      = "{{ 'ON' if value_json.value else 'OFF' }}"
	componentSensor        = "sensor"
	componentBinarySensor  = "binary_sensor"
)

// Entity is one reporting source announced through discovery.
type Entity struct {
	Name string
	Kind output.Kind
}

// publisher is the subset of mqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTOutput struct {
	client     publisher
	stateTopic string
}

func NewMQTT(cfg config.MQTTConfig, entities []Entity) (output.Output, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return newWithClient(client, cfg, entities), nil
}

func newWithClient(client publisher, cfg config.MQTTConfig, entities []Entity) *MQTTOutput {
	st := cfg.StateTopic
	if st == "" {
		st = DefaultStateTopic
	}
	m := &MQTTOutput{client: client, stateTopic: st}

	// Publish Home Assistant discovery payload(s) if requested
	if cfg.Discovery {
		prefix := cfg.DiscoveryPrefix
		if prefix == "" {
			prefix = DefaultDiscoveryPrefix
		}
		for _, e := range entities {
			uniqueID := discoveryUniqueID(cfg, e.Name)
			component, payload := discoveryPayload(discoveryName(cfg, e.Name), formatStateTopic(st, e.Name), uniqueID, e.Kind)
			topic := fmt.Sprintf("%s/%s/%s/config", prefix, component, uniqueID)
			if err := publishJSON(client, topic, true, payload); err != nil {
				log.Printf("mqtt discovery publish error: %v", err)
			}
		}
	}
	return m
}

func (m *MQTTOutput) Publish(reports []output.Report) error {
	for _, r := range reports {
		topic := formatStateTopic(m.stateTopic, r.Name)
		if err := publishJSON(m.client, topic, false, statePayload(r)); err != nil {
			return err
		}
	}
	return nil
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

// PublishRaw publishes a raw payload to the given topic. The caller can set the
// retain flag which is useful for discovery messages.
func (m *MQTTOutput) PublishRaw(topic string, payload []byte, retained bool) error {
	if m.client == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	token := m.client.Publish(topic, 0, retained, payload)
	token.Wait()
	return token.Error()
}

func statePayload(r output.Report) map[string]interface{} {
	switch r.Kind {
	case output.KindTemperature:
		return map[string]interface{}{"celsius": r.Reading.Celsius, "volts": r.Reading.Volts, "raw": r.Raw}
	case output.KindRaw:
		return map[string]interface{}{"raw": r.Raw}
	case output.KindInvalid:
		return map[string]interface{}{"raw": r.Raw, "invalid": true}
	case output.KindEdge:
		return map[string]interface{}{"value": r.Value}
	default:
		return map[string]interface{}{"error": r.Err}
	}
}

// helper: format a state topic for a sensor using an optional formatter
func formatStateTopic(base, name string) string {
	if strings.Contains(base, "%s") {
		return fmt.Sprintf(base, topicSafe(name))
	}
	return base
}

func topicSafe(name string) string {
	return strings.NewReplacer(" ", "_", "/", "_", "+", "_", "#", "_").Replace(strings.ToLower(name))
}

// helper: build a human-friendly discovery name
func discoveryName(cfg config.MQTTConfig, name string) string {
	if cfg.DiscoveryName == "" {
		return name
	}
	return fmt.Sprintf("%s %s", cfg.DiscoveryName, name)
}

// helper: build a unique id for discovery
func discoveryUniqueID(cfg config.MQTTConfig, name string) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid == "" {
		uid = DefaultClientID
	}
	return fmt.Sprintf("%s_%s", topicSafe(uid), topicSafe(name))
}

// helper: discovery component and payload for one entity
func discoveryPayload(name, stateTopic, uniqueID string, kind output.Kind) (string, map[string]interface{}) {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyJSONAttributesTopic: stateTopic,
		keyUniqueID:            uniqueID,
	}
	switch kind {
	case output.KindEdge:
		payload[keyValueTemplate] = valueTemplateEdge
		payload[keyPayloadOn] = "ON"
		payload[keyPayloadOff] = "OFF"
		return componentBinarySensor, payload
	case output.KindRaw:
		payload[keyStateClass] = stateClassMeasurement
		payload[keyValueTemplate] = valueTemplateRaw
	default:
		payload[keyUnitOfMeasurement] = unitCelsius
		payload[keyDeviceClass] = deviceClassTemperature
		payload[keyStateClass] = stateClassMeasurement
		payload[keyValueTemplate] = valueTemplateCelsius
	}
	return componentSensor, payload
}

// helper: marshal and publish JSON payload
func publishJSON(client publisher, topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}
