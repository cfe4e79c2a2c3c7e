package network

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"nearshare/signaling"
)

// dataChannelLabel names the single reliable channel carried per peer pair.
const dataChannelLabel = "nearby-share"

// WebRTCFactory builds peer transports over WebRTC data channels.
//
// Handshake payloads (SDP and ICE candidates) travel through the signaling
// relay; file data never does.
type WebRTCFactory struct {
	// StunServers are STUN URLs used for address discovery. Empty means
	// host candidates only, which is enough on a single LAN.
	StunServers []string
}

// NewTransport builds one WebRTC transport toward peerID.
//
// The initiator opens the data channel and sends the offer immediately; the
// answering side waits for the remote offer via HandleSignal.
func (f *WebRTCFactory) NewTransport(peerID string, initiator bool, signal SignalFunc) (Transport, error) {
	cfg := webrtc.Configuration{}
	if len(f.StunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: f.StunServers}}
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create peer connection: %v", ErrConnectionFailed, err)
	}

	t := &webrtcTransport{
		peerID: peerID,
		pc:     pc,
		signal: signal,
		closed: make(chan struct{}),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		raw, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		_ = signal(signaling.TypeCandidate, raw)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			t.fireClose()
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%w: create data channel: %v", ErrConnectionFailed, err)
		}
		t.adoptChannel(dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%w: create offer: %v", ErrConnectionFailed, err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%w: set local description: %v", ErrConnectionFailed, err)
		}
		raw, err := json.Marshal(offer)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("marshal offer: %w", err)
		}
		if err := signal(signaling.TypeOffer, raw); err != nil {
			_ = pc.Close()
			return nil, err
		}
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				return
			}
			t.adoptChannel(dc)
		})
	}

	return t, nil
}

type webrtcTransport struct {
	peerID string
	pc     *webrtc.PeerConnection
	signal SignalFunc

	mu sync.Mutex
	dc *webrtc.DataChannel
	// candidates that arrived before the remote description was set
	pendingCandidates []webrtc.ICECandidateInit

	onOpen      func()
	onMessage   func([]byte)
	onClose     func()
	onBufferLow func()
	threshold   uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// adoptChannel binds the data channel created locally or announced by the
// remote side. Handlers registered before adoption are re-applied.
func (t *webrtcTransport) adoptChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	onBufferLow := t.onBufferLow
	threshold := t.threshold
	t.mu.Unlock()

	if threshold > 0 {
		dc.SetBufferedAmountLowThreshold(threshold)
	}
	dc.OnOpen(func() {
		t.mu.Lock()
		fn := t.onOpen
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
	dc.OnClose(func() {
		t.fireClose()
	})
	if onBufferLow != nil {
		dc.OnBufferedAmountLow(onBufferLow)
	}
}

func (t *webrtcTransport) Send(payload []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrPeerNotConnected
	}
	if err := dc.Send(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerNotConnected, err)
	}
	return nil
}

func (t *webrtcTransport) BufferedAmount() uint64 {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

func (t *webrtcTransport) SetBufferedAmountLowThreshold(threshold uint64) {
	t.mu.Lock()
	t.threshold = threshold
	dc := t.dc
	t.mu.Unlock()
	if dc != nil {
		dc.SetBufferedAmountLowThreshold(threshold)
	}
}

func (t *webrtcTransport) OnBufferedAmountLow(fn func()) {
	t.mu.Lock()
	t.onBufferLow = fn
	dc := t.dc
	t.mu.Unlock()
	if dc != nil {
		dc.OnBufferedAmountLow(fn)
	}
}

func (t *webrtcTransport) OnOpen(fn func()) {
	t.mu.Lock()
	t.onOpen = fn
	t.mu.Unlock()
}

func (t *webrtcTransport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *webrtcTransport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// HandleSignal applies one relayed handshake payload.
//
// ICE candidates arriving before the remote description are buffered and
// flushed once the description lands.
func (t *webrtcTransport) HandleSignal(msg signaling.Message) error {
	switch msg.Type {
	case signaling.TypeOffer:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &offer); err != nil {
			return fmt.Errorf("%w: decode offer: %v", signaling.ErrInvalidMessage, err)
		}
		if err := t.pc.SetRemoteDescription(offer); err != nil {
			return fmt.Errorf("%w: apply offer: %v", ErrConnectionFailed, err)
		}
		t.flushCandidates()

		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("%w: create answer: %v", ErrConnectionFailed, err)
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("%w: set local description: %v", ErrConnectionFailed, err)
		}
		raw, err := json.Marshal(answer)
		if err != nil {
			return fmt.Errorf("marshal answer: %w", err)
		}
		return t.signal(signaling.TypeAnswer, raw)

	case signaling.TypeAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &answer); err != nil {
			return fmt.Errorf("%w: decode answer: %v", signaling.ErrInvalidMessage, err)
		}
		if err := t.pc.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("%w: apply answer: %v", ErrConnectionFailed, err)
		}
		t.flushCandidates()
		return nil

	case signaling.TypeCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
			return fmt.Errorf("%w: decode candidate: %v", signaling.ErrInvalidMessage, err)
		}
		t.mu.Lock()
		if t.pc.RemoteDescription() == nil {
			t.pendingCandidates = append(t.pendingCandidates, candidate)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		if err := t.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("%w: add candidate: %v", ErrConnectionFailed, err)
		}
		return nil
	}
	return nil
}

func (t *webrtcTransport) flushCandidates() {
	t.mu.Lock()
	pending := t.pendingCandidates
	t.pendingCandidates = nil
	t.mu.Unlock()
	for _, candidate := range pending {
		_ = t.pc.AddICECandidate(candidate)
	}
}

func (t *webrtcTransport) fireClose() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		fn := t.onClose
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (t *webrtcTransport) Close() error {
	t.fireClose()
	return t.pc.Close()
}
