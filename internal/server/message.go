package server

import "bolt-controller/internal/core"

// Outgoing message types.
const (
	MsgDeviceList    = "device_list"
	MsgDeviceReady   = "device_ready"
	MsgDeviceRemoved = "device_removed"
	MsgDeviceState   = "device_state"
	MsgPatternList   = "pattern_list"
	MsgPatternStatus = "pattern_status"
	MsgPatternCode   = "pattern_code"
	MsgScheduleList  = "schedule_list"
	MsgError         = "error"
)

// Command represents an incoming JSON command from a WebSocket client.
type Command struct {
	Type    string                 `json:"type"`
	Device  string                 `json:"device"`
	Payload map[string]interface{} `json:"payload"`
}

// ToCore converts the wire command into the agent's envelope. A missing
// device addresses every bulb.
func (c Command) ToCore() core.Command {
	device := c.Device
	if device == "" {
		device = core.AllDevices
	}
	payload := c.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return core.Command{Type: core.CommandType(c.Type), DeviceID: device, Payload: payload}
}

// Message represents an outgoing JSON message sent to WebSocket clients.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewMessage creates a new structured Message for broadcasting to clients.
func NewMessage(msgType string, payload interface{}) Message {
	return Message{Type: msgType, Payload: payload}
}

// eventMessages maps bus events to the message type clients receive.
var eventMessages = map[core.EventType]string{
	core.SessionReadyEvent:   MsgDeviceReady,
	core.SessionRemovedEvent: MsgDeviceRemoved,
	core.StateChangedEvent:   MsgDeviceState,
	core.PatternChangedEvent: MsgPatternStatus,
}
