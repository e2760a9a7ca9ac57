package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bolt-controller/internal/codec"
	"bolt-controller/internal/config"
	"bolt-controller/internal/core"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Client bridges bulbs to an MQTT broker. Every bulb gets its own topic tree
// under <prefix>/<device>/.
type Client struct {
	client   mqtt.Client
	cfg      config.MQTTConfig
	eventBus *core.EventBus
	commands core.CommandChannel
	patterns func() ([]string, error)
	prefix   string
	log      logrus.FieldLogger
}

// NewClient returns nil when MQTT is disabled.
func NewClient(cfg *config.Config, eb *core.EventBus, commands core.CommandChannel, patterns func() ([]string, error), logger logrus.FieldLogger) *Client {
	if !cfg.MQTT.Enabled {
		return nil
	}

	prefix := strings.TrimSuffix(cfg.MQTT.TopicPrefix, "/")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(cfg.MQTT.ClientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)

	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// keep trying at startup, the broker may come up after us
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetOrderMatters(false)

	opts.SetWill(prefix+"/availability", "offline", 1, true)

	c := &Client{
		cfg:      cfg.MQTT,
		eventBus: eb,
		commands: commands,
		patterns: patterns,
		prefix:   prefix,
		log:      logger.WithField("component", "mqtt"),
	}

	opts.SetOnConnectHandler(c.onConnect)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.log.WithError(err).Warn("Connection lost. Retrying in background...")
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.log.Info("Attempting to reconnect...")
	})

	c.client = mqtt.NewClient(opts)

	return c
}

// Connect starts the connection loop and waits for the first handshake.
func (c *Client) Connect() error {
	if c.client == nil {
		return nil
	}
	c.log.Infof("Starting connection loop to %s...", c.cfg.Broker)

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		c.log.WithError(token.Error()).Error("Initial connection error")
		return token.Error()
	}

	return nil
}

// Disconnect publishes the offline status, then closes the connection.
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.log.Info("Disconnecting...")

		token := c.client.Publish(c.prefix+"/availability", 0, true, "offline")
		if token.WaitTimeout(2 * time.Second) {
			if token.Error() != nil {
				c.log.WithError(token.Error()).Warn("Failed to publish offline status")
			}
		} else {
			c.log.Warn("Timed out publishing offline status")
		}

		c.client.Disconnect(250)
		c.log.Info("Disconnected.")
	}
}

// Publish sends payload to <prefix>/<subtopic> without blocking the caller.
func (c *Client) Publish(subtopic string, payload interface{}, retained bool) {
	if c.client == nil || !c.client.IsConnected() {
		return
	}

	topic := fmt.Sprintf("%s/%s", c.prefix, subtopic)
	var msg interface{}
	switch p := payload.(type) {
	case []byte:
		msg = p
	default:
		msg = fmt.Sprintf("%v", payload)
	}

	token := c.client.Publish(topic, 0, retained, msg)

	go func() {
		if token.WaitTimeout(5 * time.Second) {
			if token.Error() != nil {
				c.log.WithError(token.Error()).Warnf("Publish error to %s", topic)
			}
		} else {
			c.log.Warnf("Timeout publishing to %s", topic)
		}
	}()
}

// onConnect runs on paho's event goroutine.
func (c *Client) onConnect(client mqtt.Client) {
	c.log.Info("Connected to broker.")

	topic := c.prefix + "/+/+/set"
	if token := client.Subscribe(topic, 1, c.handleSet); token.Wait() && token.Error() != nil {
		c.log.WithError(token.Error()).Errorf("Error subscribing to %s", topic)
	} else {
		c.log.Infof("Subscribed to %s", topic)
	}

	go c.Publish("availability", "online", true)
}

// ListenEvents mirrors bulb events to the broker until ctx is done.
func (c *Client) ListenEvents(ctx context.Context) {
	types := []core.EventType{core.SessionReadyEvent, core.SessionRemovedEvent, core.StateChangedEvent, core.PatternChangedEvent}
	sub := c.eventBus.Subscribe(types...)
	defer c.eventBus.Unsubscribe(sub, types...)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub:
			switch p := event.Payload.(type) {
			case core.DeviceEvent:
				switch event.Type {
				case core.SessionReadyEvent:
					c.Publish(p.DeviceID+"/connection", "connected", true)
					if c.cfg.HADiscoveryEnabled {
						c.PublishHADiscovery(p)
					}
					c.publishState(p)
				case core.SessionRemovedEvent:
					c.Publish(p.DeviceID+"/connection", "disconnected", true)
				case core.StateChangedEvent:
					c.publishState(p)
				}
			case core.PatternEvent:
				c.Publish(p.DeviceID+"/pattern/state", p.Pattern, true)
			}
		}
	}
}

func (c *Client) publishState(ev core.DeviceEvent) {
	for subtopic, payload := range stateMessages(ev) {
		c.Publish(subtopic, payload, true)
	}
}

// PublishHADiscovery announces one bulb to Home Assistant.
func (c *Client) PublishHADiscovery(ev core.DeviceEvent) {
	patterns, err := c.patterns()
	if err != nil {
		c.log.WithError(err).Warn("Could not get patterns for HA discovery")
		patterns = []string{}
	}

	topic, payload := discoveryConfig(c.cfg, c.prefix, ev, patterns)
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.WithError(err).Error("Could not encode HA discovery")
		return
	}
	c.client.Publish(topic, 0, true, data)
	c.log.Infof("HA Discovery sent to %s", topic)
}

func (c *Client) handleSet(_ mqtt.Client, msg mqtt.Message) {
	device, attr, ok := parseTopic(c.prefix, msg.Topic())
	if !ok {
		return
	}
	cmd, err := commandFor(device, attr, string(msg.Payload()))
	if err != nil {
		c.log.WithError(err).WithField("topic", msg.Topic()).Warn("Ignoring message")
		return
	}
	select {
	case c.commands <- cmd:
	default:
		c.log.Warnf("Command queue full, dropping %s", msg.Topic())
	}
}

// parseTopic splits <prefix>/<device>/<attr>/set.
func parseTopic(prefix, topic string) (device, attr string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// commandFor maps a set message to an agent command.
func commandFor(device, attr, payload string) (core.Command, error) {
	payload = strings.TrimSpace(payload)
	cmd := core.Command{DeviceID: device, Payload: map[string]interface{}{}}

	switch attr {
	case "power":
		switch strings.ToLower(payload) {
		case "on", "true", "1":
			cmd.Payload["isOn"] = true
		case "off", "false", "0":
			cmd.Payload["isOn"] = false
		default:
			return core.Command{}, fmt.Errorf("invalid power payload '%s'", payload)
		}
		cmd.Type = core.CmdSetPower
	case "rgba":
		c, ok := codec.ParseRGBA([]byte(payload))
		if !ok {
			return core.Command{}, fmt.Errorf("invalid rgba payload '%s'", payload)
		}
		cmd.Type = core.CmdSetRGBA
		cmd.Payload["value"] = c.String()
	case "rgb":
		r, g, b, ok := codec.ParseRGB(payload)
		if !ok {
			return core.Command{}, fmt.Errorf("invalid rgb payload '%s'", payload)
		}
		cmd.Type = core.CmdSetRGBA
		cmd.Payload["value"] = fmt.Sprintf("%d,%d,%d", r, g, b)
	case "hue", "saturation", "brightness":
		n, err := strconv.Atoi(payload)
		if err != nil {
			return core.Command{}, fmt.Errorf("invalid %s payload '%s'", attr, payload)
		}
		cmd.Type = map[string]core.CommandType{
			"hue":        core.CmdSetHue,
			"saturation": core.CmdSetSaturation,
			"brightness": core.CmdSetBrightness,
		}[attr]
		cmd.Payload["value"] = float64(n)
	case "pattern":
		if payload == "" || strings.EqualFold(payload, "none") {
			cmd.Type = core.CmdStopPattern
		} else {
			cmd.Type = core.CmdRunPattern
			cmd.Payload["name"] = payload
		}
	default:
		return core.Command{}, fmt.Errorf("unknown attribute '%s'", attr)
	}
	return cmd, nil
}

// stateMessages lists the retained state topics of a bulb.
func stateMessages(ev core.DeviceEvent) map[string]string {
	power := "OFF"
	if ev.State.On {
		power = "ON"
	}
	c := ev.State.RGBA
	return map[string]string{
		ev.DeviceID + "/power/state":      power,
		ev.DeviceID + "/rgba/state":       c.String(),
		ev.DeviceID + "/rgb/state":        fmt.Sprintf("%d,%d,%d", c[0], c[1], c[2]),
		ev.DeviceID + "/hue/state":        strconv.Itoa(ev.State.Hue),
		ev.DeviceID + "/saturation/state": strconv.Itoa(ev.State.Saturation),
		ev.DeviceID + "/brightness/state": strconv.Itoa(ev.State.Brightness),
	}
}

// safeID keeps the characters Home Assistant accepts in object ids.
func safeID(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return -1
	}, s)
}

func discoveryConfig(cfg config.MQTTConfig, prefix string, ev core.DeviceEvent, patterns []string) (string, map[string]interface{}) {
	id := safeID(cfg.ClientID + "_" + ev.DeviceID)
	base := fmt.Sprintf("%s/%s", prefix, ev.DeviceID)
	name := ev.Name
	if name == "" {
		name = ev.DeviceID
	}

	topic := fmt.Sprintf("%s/light/%s/light/config", cfg.HADiscoveryPrefix, id)
	payload := map[string]interface{}{
		"name":      nil,
		"unique_id": id + "_light",
		"object_id": id,
		"icon":      "mdi:lightbulb",

		"command_topic": base + "/power/set",
		"state_topic":   base + "/power/state",
		"payload_on":    "ON",
		"payload_off":   "OFF",

		"brightness_command_topic": base + "/brightness/set",
		"brightness_state_topic":   base + "/brightness/state",
		"brightness_scale":         100,

		"rgb_command_topic": base + "/rgb/set",
		"rgb_state_topic":   base + "/rgb/state",

		"effect_command_topic": base + "/pattern/set",
		"effect_state_topic":   base + "/pattern/state",
		"effect_list":          patterns,

		"availability_mode": "all",
		"availability": []map[string]string{
			{
				"topic":                 prefix + "/availability",
				"payload_available":     "online",
				"payload_not_available": "offline",
			},
			{
				"topic":                 base + "/connection",
				"payload_available":     "connected",
				"payload_not_available": "disconnected",
			},
		},

		"device": map[string]interface{}{
			"identifiers":  []string{id},
			"connections":  [][]string{{"mac", ev.DeviceID}},
			"name":         name,
			"manufacturer": "Bolt",
			"model":        "MFBOLT",
		},
	}
	return topic, payload
}
