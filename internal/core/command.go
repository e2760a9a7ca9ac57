package core

// CommandType defines the type of command being dispatched.
type CommandType string

const (
	CmdSetRGBA        CommandType = "setRGBA"
	CmdSetHue         CommandType = "setHue"
	CmdSetSaturation  CommandType = "setSaturation"
	CmdSetBrightness  CommandType = "setBrightness"
	CmdSetPower       CommandType = "setPower"
	CmdSetGradualMode CommandType = "setGradualMode"
	CmdSetName        CommandType = "setName"
	CmdRunPattern     CommandType = "runPattern"
	CmdStopPattern    CommandType = "stopPattern"
	CmdAddSchedule    CommandType = "addSchedule"
	CmdRemoveSchedule CommandType = "removeSchedule"

	CmdGetPatternCode  CommandType = "getPatternCode"
	CmdSavePatternCode CommandType = "savePatternCode"
	CmdDeletePattern   CommandType = "deletePattern"
)

// AllDevices as a DeviceID addresses every registered bulb.
const AllDevices = "*"

// Command is the envelope for incoming requests to change state or perform actions.
type Command struct {
	Type     CommandType
	DeviceID string
	Payload  map[string]interface{}
}

// CommandChannel is the single channel that the Agent listens to for commands.
type CommandChannel chan Command
