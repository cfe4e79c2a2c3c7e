package models

// DeviceStatus is the lifecycle state of a device in a room.
type DeviceStatus string

const (
	DeviceDiscovered   DeviceStatus = "discovered"
	DeviceConnecting   DeviceStatus = "connecting"
	DeviceConnected    DeviceStatus = "connected"
	DeviceDisconnected DeviceStatus = "disconnected"
)

// Device represents a participant in a room.
type Device struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Status   DeviceStatus `json:"status"`
	JoinedAt int64        `json:"joined_at"`
}
