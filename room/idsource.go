package room

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

const (
	// RoomCodeLength is the number of symbols in a room code.
	RoomCodeLength = 8
	// roomCodeAlphabet avoids lowercase so codes survive being read aloud.
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// IDSource generates the identifiers the coordinator hands out. Injecting it
// keeps room and transfer identity deterministic under test.
type IDSource interface {
	RoomCode() string
	DeviceID() string
	TransferID() string
}

// CryptoIDSource draws room codes from crypto/rand and IDs from random UUIDs.
type CryptoIDSource struct{}

func (CryptoIDSource) RoomCode() string {
	code := make([]byte, RoomCodeLength)
	max := big.NewInt(int64(len(roomCodeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure means the platform is broken.
			panic(err)
		}
		code[i] = roomCodeAlphabet[n.Int64()]
	}
	return string(code)
}

func (CryptoIDSource) DeviceID() string { return uuid.NewString() }

func (CryptoIDSource) TransferID() string { return uuid.NewString() }
