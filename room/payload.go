package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	// PayloadType discriminates join payloads from unrelated scanned data.
	PayloadType = "nearby-share-room"

	// linkRoomParam and linkDeviceParam are the share link query keys.
	linkRoomParam   = "nearbyShare"
	linkDeviceParam = "device"
)

// ErrInvalidPayload indicates scanned or pasted data that is not a join payload.
var ErrInvalidPayload = errors.New("room: invalid join payload")

// JoinPayload is the machine-readable invitation encoded into QR codes.
type JoinPayload struct {
	Type          string `json:"type"`
	RoomID        string `json:"roomId"`
	DeviceName    string `json:"deviceName"`
	ShareableLink string `json:"shareableLink"`
}

// BuildJoinPayload assembles the invitation for a hosted room.
func BuildJoinPayload(baseURL, roomID, deviceName string) JoinPayload {
	return JoinPayload{
		Type:          PayloadType,
		RoomID:        roomID,
		DeviceName:    deviceName,
		ShareableLink: ShareLink(baseURL, roomID, deviceName),
	}
}

// Encode renders the payload as the JSON string embedded in QR codes.
func (p JoinPayload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal join payload: %w", err)
	}
	return string(raw), nil
}

// ParseJoinPayload validates scanned or pasted invitation data.
func ParseJoinPayload(raw string) (JoinPayload, error) {
	var payload JoinPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return JoinPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Type != PayloadType || payload.RoomID == "" {
		return JoinPayload{}, ErrInvalidPayload
	}
	return payload, nil
}

// ShareLink builds the clickable invitation URL for a room.
func ShareLink(baseURL, roomID, deviceName string) string {
	target, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	query := target.Query()
	query.Set(linkRoomParam, roomID)
	query.Set(linkDeviceParam, deviceName)
	target.RawQuery = query.Encode()
	return target.String()
}

// ParseShareLink extracts the room and inviting device from a share link.
func ParseShareLink(raw string) (roomID, deviceName string, err error) {
	target, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	roomID = target.Query().Get(linkRoomParam)
	if roomID == "" {
		return "", "", ErrInvalidPayload
	}
	return roomID, target.Query().Get(linkDeviceParam), nil
}

// JoinQRCode renders the invitation as a QR PNG of the given pixel size.
func JoinQRCode(payload JoinPayload, size int) ([]byte, error) {
	encoded, err := payload.Encode()
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(encoded, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render QR code: %w", err)
	}
	return png, nil
}
