package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nearshare/models"
	"nearshare/signaling"
)

const (
	// DefaultHandshakeTimeout bounds one connection attempt.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultSendBufferHighWater is the buffered-bytes level above which
	// CanSend reports false.
	DefaultSendBufferHighWater = 1 << 20

	drainPollInterval = 50 * time.Millisecond
)

// PeerState is the connection lifecycle state of one known device.
type PeerState string

const (
	StateIdle         PeerState = "idle"
	StateHandshaking  PeerState = "handshaking"
	StateConnected    PeerState = "connected"
	StateDisconnected PeerState = "disconnected"
	StateFailed       PeerState = "failed"
)

// Signaler is the slice of the relay client the manager needs.
type Signaler interface {
	Send(to, msgType string, payload []byte) error
	Messages() <-chan signaling.Message
	Done() <-chan struct{}
}

// Options configures a peer connection manager.
type Options struct {
	DeviceID   string
	DeviceName string

	Signaler Signaler
	Factory  TransportFactory

	HandshakeTimeout    time.Duration
	SendBufferHighWater uint64

	OnDeviceDiscovered   func(models.Device)
	OnDeviceConnected    func(models.Device)
	OnDeviceDisconnected func(models.Device)
	// OnMessage receives every inbound frame from a connected peer.
	OnMessage func(peerID string, payload []byte)
}

func (o *Options) withDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.SendBufferHighWater == 0 {
		o.SendBufferHighWater = DefaultSendBufferHighWater
	}
}

// Manager tracks the room roster and one transport per peer.
//
// Each peer moves through idle -> handshaking -> connected and ends in
// disconnected or failed; Reset returns a peer to idle. Duplicate lifecycle
// events are no-ops.
type Manager struct {
	opts Options

	mu    sync.Mutex
	peers map[string]*peer

	errors chan error

	closeOnce sync.Once
	closed    chan struct{}
}

type peer struct {
	device    models.Device
	state     PeerState
	transport Transport
	initiator bool

	connectWaiters []chan error
	drainWaiters   []chan struct{}
	handshakeTimer *time.Timer
}

// NewManager starts a manager consuming the signaler's message stream.
func NewManager(opts Options) *Manager {
	opts.withDefaults()
	m := &Manager{
		opts:   opts,
		peers:  make(map[string]*peer),
		errors: make(chan error, 16),
		closed: make(chan struct{}),
	}
	go m.run()
	return m
}

// Errors surfaces background failures. The channel is buffered; overflow
// drops the oldest report.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// Devices returns a snapshot of the known roster ordered by join time.
func (m *Manager) Devices() []models.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := make([]models.Device, 0, len(m.peers))
	for _, p := range m.peers {
		devices = append(devices, p.device)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].JoinedAt == devices[j].JoinedAt {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].JoinedAt < devices[j].JoinedAt
	})
	return devices
}

// State reports the lifecycle state of one device.
func (m *Manager) State(peerID string) PeerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.peers[peerID]; p != nil {
		return p.state
	}
	return StateIdle
}

// Connected reports whether the device has an open channel.
func (m *Manager) Connected(peerID string) bool {
	return m.State(peerID) == StateConnected
}

// AddDiscovered records a device learned outside the relay roster, for
// example from LAN discovery. Known devices are left untouched.
func (m *Manager) AddDiscovered(deviceID, deviceName string) {
	m.discovered(deviceID, deviceName)
}

// ConnectToDevice establishes a transport to a discovered device.
//
// Returns nil immediately when already connected. A second caller during an
// in-flight handshake waits for the same attempt. The attempt fails with
// ErrConnectionFailed after the handshake timeout.
func (m *Manager) ConnectToDevice(ctx context.Context, peerID string) error {
	m.mu.Lock()
	p := m.peers[peerID]
	if p == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, peerID)
	}

	switch p.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateHandshaking:
		// Join the in-flight attempt.
	default:
		transport, err := m.opts.Factory.NewTransport(peerID, true, m.signalTo(peerID))
		if err != nil {
			p.state = StateFailed
			m.mu.Unlock()
			return err
		}
		m.startHandshake(p, transport, true)
	}

	wait := make(chan error, 1)
	p.connectWaiters = append(p.connectWaiters, wait)
	m.mu.Unlock()

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return ErrConnectionFailed
	}
}

// Send delivers one frame to a connected peer.
func (m *Manager) Send(peerID string, payload []byte) error {
	m.mu.Lock()
	p := m.peers[peerID]
	if p == nil || p.state != StateConnected || p.transport == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}
	transport := p.transport
	m.mu.Unlock()
	return transport.Send(payload)
}

// CanSend reports whether the peer's send buffer is below the high-water
// mark. Senders should pause and WaitForDrain when it returns false.
func (m *Manager) CanSend(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.peers[peerID]
	if p == nil || p.state != StateConnected || p.transport == nil {
		return false
	}
	return p.transport.BufferedAmount() < m.opts.SendBufferHighWater
}

// WaitForDrain blocks until the peer's send buffer falls below the
// high-water mark, the context ends, or the peer disconnects.
func (m *Manager) WaitForDrain(ctx context.Context, peerID string) error {
	for {
		m.mu.Lock()
		p := m.peers[peerID]
		if p == nil || p.state != StateConnected || p.transport == nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
		}
		if p.transport.BufferedAmount() < m.opts.SendBufferHighWater {
			m.mu.Unlock()
			return nil
		}
		drained := make(chan struct{})
		p.drainWaiters = append(p.drainWaiters, drained)
		m.mu.Unlock()

		select {
		case <-drained:
		case <-time.After(drainPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closed:
			return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
		}
	}
}

// Reset tears down the peer's transport and returns it to idle, allowing a
// fresh connection attempt from any state.
func (m *Manager) Reset(peerID string) {
	m.mu.Lock()
	p := m.peers[peerID]
	if p == nil {
		m.mu.Unlock()
		return
	}
	transport := p.transport
	m.clearTransport(p)
	p.state = StateIdle
	p.device.Status = models.DeviceDiscovered
	waiters := takeConnectWaiters(p)
	m.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	notifyConnectWaiters(waiters, ErrConnectionFailed)
}

// Stop closes every transport and stops the manager.
func (m *Manager) Stop() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		transports := make([]Transport, 0, len(m.peers))
		for _, p := range m.peers {
			if p.transport != nil {
				transports = append(transports, p.transport)
			}
			notifyConnectWaiters(takeConnectWaiters(p), ErrConnectionFailed)
		}
		m.mu.Unlock()
		for _, transport := range transports {
			_ = transport.Close()
		}
	})
}

func (m *Manager) run() {
	for {
		select {
		case <-m.closed:
			return
		case <-m.opts.Signaler.Done():
			m.signalerLost()
			return
		case msg, ok := <-m.opts.Signaler.Messages():
			if !ok {
				m.signalerLost()
				return
			}
			m.handleSignal(msg)
		}
	}
}

func (m *Manager) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeAnnounce:
		m.discovered(msg.From, msg.FromName)
	case signaling.TypeOffer:
		m.handleOffer(msg)
	case signaling.TypeAnswer, signaling.TypeCandidate:
		m.mu.Lock()
		p := m.peers[msg.From]
		var transport Transport
		if p != nil && p.state == StateHandshaking {
			transport = p.transport
		}
		m.mu.Unlock()
		if transport == nil {
			return
		}
		if err := transport.HandleSignal(msg); err != nil {
			m.reportError(err)
		}
	case signaling.TypeLeave:
		m.peerLeft(msg.From)
	}
}

func (m *Manager) handleOffer(msg signaling.Message) {
	m.discovered(msg.From, msg.FromName)

	m.mu.Lock()
	p := m.peers[msg.From]
	if p == nil {
		m.mu.Unlock()
		return
	}
	switch p.state {
	case StateConnected:
		m.mu.Unlock()
		return
	case StateHandshaking:
		// Simultaneous offers: the lower device ID's offer wins.
		if !p.initiator || m.opts.DeviceID < msg.From {
			m.mu.Unlock()
			return
		}
		stale := p.transport
		m.clearTransport(p)
		m.mu.Unlock()
		if stale != nil {
			_ = stale.Close()
		}
		m.mu.Lock()
	}

	transport, err := m.opts.Factory.NewTransport(msg.From, false, m.signalTo(msg.From))
	if err != nil {
		p.state = StateFailed
		m.mu.Unlock()
		m.reportError(err)
		return
	}
	m.startHandshake(p, transport, false)
	m.mu.Unlock()

	if err := transport.HandleSignal(msg); err != nil {
		m.reportError(err)
	}
}

// startHandshake wires a fresh transport and arms the timeout. Caller holds mu.
func (m *Manager) startHandshake(p *peer, transport Transport, initiator bool) {
	peerID := p.device.ID
	p.transport = transport
	p.initiator = initiator
	p.state = StateHandshaking
	p.device.Status = models.DeviceConnecting

	transport.SetBufferedAmountLowThreshold(m.opts.SendBufferHighWater / 2)
	transport.OnBufferedAmountLow(func() { m.notifyDrain(peerID, transport) })
	transport.OnOpen(func() { m.peerOpened(peerID, transport) })
	transport.OnMessage(func(payload []byte) {
		if m.opts.OnMessage != nil {
			m.opts.OnMessage(peerID, payload)
		}
	})
	transport.OnClose(func() { m.peerClosed(peerID, transport) })

	p.handshakeTimer = time.AfterFunc(m.opts.HandshakeTimeout, func() {
		m.handshakeTimedOut(peerID, transport)
	})
}

func (m *Manager) discovered(deviceID, deviceName string) {
	if deviceID == "" || deviceID == m.opts.DeviceID {
		return
	}
	m.mu.Lock()
	p := m.peers[deviceID]
	if p != nil {
		if deviceName != "" {
			p.device.Name = deviceName
		}
		m.mu.Unlock()
		return
	}
	p = &peer{
		device: models.Device{
			ID:       deviceID,
			Name:     deviceName,
			Status:   models.DeviceDiscovered,
			JoinedAt: time.Now().Unix(),
		},
		state: StateIdle,
	}
	m.peers[deviceID] = p
	device := p.device
	m.mu.Unlock()

	if m.opts.OnDeviceDiscovered != nil {
		m.opts.OnDeviceDiscovered(device)
	}
}

func (m *Manager) peerOpened(peerID string, transport Transport) {
	m.mu.Lock()
	p := m.peers[peerID]
	if p == nil || p.transport != transport || p.state == StateConnected {
		m.mu.Unlock()
		return
	}
	p.state = StateConnected
	p.device.Status = models.DeviceConnected
	if p.handshakeTimer != nil {
		p.handshakeTimer.Stop()
		p.handshakeTimer = nil
	}
	waiters := p.connectWaiters
	p.connectWaiters = nil
	device := p.device
	m.mu.Unlock()

	notifyConnectWaiters(waiters, nil)
	if m.opts.OnDeviceConnected != nil {
		m.opts.OnDeviceConnected(device)
	}
}

func (m *Manager) peerClosed(peerID string, transport Transport) {
	m.mu.Lock()
	p := m.peers[peerID]
	if p == nil || p.transport != transport {
		m.mu.Unlock()
		return
	}
	wasConnected := p.state == StateConnected
	m.clearTransport(p)
	if wasConnected {
		p.state = StateDisconnected
	} else {
		p.state = StateFailed
	}
	p.device.Status = models.DeviceDisconnected
	waiters := takeConnectWaiters(p)
	device := p.device
	m.mu.Unlock()

	notifyConnectWaiters(waiters, ErrConnectionFailed)
	if wasConnected && m.opts.OnDeviceDisconnected != nil {
		m.opts.OnDeviceDisconnected(device)
	}
}

func (m *Manager) peerLeft(peerID string) {
	m.mu.Lock()
	p := m.peers[peerID]
	if p == nil {
		m.mu.Unlock()
		return
	}
	transport := p.transport
	wasConnected := p.state == StateConnected
	m.clearTransport(p)
	p.state = StateDisconnected
	p.device.Status = models.DeviceDisconnected
	waiters := takeConnectWaiters(p)
	device := p.device
	m.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	notifyConnectWaiters(waiters, ErrConnectionFailed)
	if wasConnected && m.opts.OnDeviceDisconnected != nil {
		m.opts.OnDeviceDisconnected(device)
	}
}

func (m *Manager) handshakeTimedOut(peerID string, transport Transport) {
	m.mu.Lock()
	p := m.peers[peerID]
	if p == nil || p.transport != transport || p.state != StateHandshaking {
		m.mu.Unlock()
		return
	}
	m.clearTransport(p)
	p.state = StateFailed
	p.device.Status = models.DeviceDisconnected
	err := fmt.Errorf("%w: handshake with %s timed out", ErrConnectionFailed, peerID)
	waiters := takeConnectWaiters(p)
	m.mu.Unlock()

	_ = transport.Close()
	notifyConnectWaiters(waiters, err)
	m.reportError(err)
}

func (m *Manager) signalerLost() {
	m.mu.Lock()
	type closing struct {
		transport Transport
		waiters   []chan error
		err       error
	}
	var pending []closing
	for _, p := range m.peers {
		if p.state != StateHandshaking {
			continue
		}
		transport := p.transport
		m.clearTransport(p)
		p.state = StateFailed
		p.device.Status = models.DeviceDisconnected
		err := fmt.Errorf("%w: signaling lost", ErrConnectionFailed)
		pending = append(pending, closing{transport, takeConnectWaiters(p), err})
	}
	m.mu.Unlock()

	for _, c := range pending {
		if c.transport != nil {
			_ = c.transport.Close()
		}
		notifyConnectWaiters(c.waiters, c.err)
	}
	m.reportError(signaling.ErrSignalingUnavailable)
}

func (m *Manager) notifyDrain(peerID string, transport Transport) {
	m.mu.Lock()
	p := m.peers[peerID]
	if p == nil || p.transport != transport {
		m.mu.Unlock()
		return
	}
	waiters := p.drainWaiters
	p.drainWaiters = nil
	m.mu.Unlock()

	for _, drained := range waiters {
		close(drained)
	}
}

// clearTransport detaches the transport and wakes drain waiters. Caller holds mu.
func (m *Manager) clearTransport(p *peer) {
	p.transport = nil
	p.initiator = false
	if p.handshakeTimer != nil {
		p.handshakeTimer.Stop()
		p.handshakeTimer = nil
	}
	for _, drained := range p.drainWaiters {
		close(drained)
	}
	p.drainWaiters = nil
}

// takeConnectWaiters detaches pending connect waiters. Caller holds mu.
func takeConnectWaiters(p *peer) []chan error {
	waiters := p.connectWaiters
	p.connectWaiters = nil
	return waiters
}

func notifyConnectWaiters(waiters []chan error, err error) {
	for _, wait := range waiters {
		wait <- err
	}
}

func (m *Manager) signalTo(peerID string) SignalFunc {
	return func(msgType string, payload []byte) error {
		return m.opts.Signaler.Send(peerID, msgType, payload)
	}
}

func (m *Manager) reportError(err error) {
	select {
	case m.errors <- err:
	default:
	}
}
