package realtime

// Frames exchanged on the live channel. Clients send commands; the server
// pushes events.
const (
	CommandJoinDeviceGroup  = "joinDeviceGroup"
	CommandLeaveDeviceGroup = "leaveDeviceGroup"

	EventReceiveMeasurement = "receiveMeasurement"
	EventAck                = "ack"
	EventError              = "error"
)

type Command struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

type Event struct {
	Type     string `json:"type"`
	Command  string `json:"command,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
}
