package network

import (
	"errors"

	"nearshare/signaling"
)

var (
	// ErrPeerNotConnected indicates a send to a peer without an open channel.
	ErrPeerNotConnected = errors.New("network: peer not connected")
	// ErrConnectionFailed indicates handshake timeout or channel establishment failure.
	ErrConnectionFailed = errors.New("network: connection failed")
	// ErrUnknownDevice indicates an operation on a device that was never discovered.
	ErrUnknownDevice = errors.New("network: unknown device")
)

// SignalFunc relays one handshake payload to the transport's remote peer.
type SignalFunc func(msgType string, payload []byte) error

// Transport is one reliable, ordered binary channel to a single peer.
//
// Implementations must deliver OnMessage frames in send order and expose the
// channel's send-buffer occupancy so callers can apply backpressure instead
// of flooding.
type Transport interface {
	// Send enqueues one binary frame. It fails once the channel is closed.
	Send(payload []byte) error

	// BufferedAmount reports bytes queued but not yet handed to the network.
	BufferedAmount() uint64
	// SetBufferedAmountLowThreshold arms OnBufferedAmountLow at this level.
	SetBufferedAmountLowThreshold(threshold uint64)
	// OnBufferedAmountLow fires when the send buffer drains below the threshold.
	OnBufferedAmountLow(fn func())

	// OnOpen fires once when the channel becomes usable.
	OnOpen(fn func())
	// OnMessage delivers inbound frames in channel order.
	OnMessage(fn func(payload []byte))
	// OnClose fires once when the channel closes for any reason.
	OnClose(fn func())

	// HandleSignal ingests a relayed handshake payload for this peer.
	HandleSignal(msg signaling.Message) error

	Close() error
}

// TransportFactory builds a transport toward one peer.
//
// The initiator side opens the channel and emits the first handshake payload
// through signal; the answering side waits for the remote offer.
type TransportFactory interface {
	NewTransport(peerID string, initiator bool, signal SignalFunc) (Transport, error)
}
