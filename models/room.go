package models

// Room is an ephemeral rendezvous namespace identified by a short code.
type Room struct {
	RoomID            string `json:"room_id"`
	CreatedAt         int64  `json:"created_at"`
	CreatorDeviceName string `json:"creator_device_name"`
}
