package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nearshare/models"
	"nearshare/signaling"
)

// memBus is an in-process stand-in for the signaling relay.
type memBus struct {
	mu      sync.Mutex
	clients map[string]*memSignaler
}

func newMemBus() *memBus {
	return &memBus{clients: make(map[string]*memSignaler)}
}

func (b *memBus) join(deviceID, deviceName string) *memSignaler {
	s := &memSignaler{
		bus:        b,
		deviceID:   deviceID,
		deviceName: deviceName,
		messages:   make(chan signaling.Message, 64),
		done:       make(chan struct{}),
	}
	b.mu.Lock()
	for _, other := range b.clients {
		other.deliver(signaling.Message{Type: signaling.TypeAnnounce, From: deviceID, FromName: deviceName})
		s.deliver(signaling.Message{Type: signaling.TypeAnnounce, From: other.deviceID, FromName: other.deviceName})
	}
	b.clients[deviceID] = s
	b.mu.Unlock()
	return s
}

func (b *memBus) leave(deviceID string) {
	b.mu.Lock()
	s := b.clients[deviceID]
	delete(b.clients, deviceID)
	others := make([]*memSignaler, 0, len(b.clients))
	for _, other := range b.clients {
		others = append(others, other)
	}
	b.mu.Unlock()
	for _, other := range others {
		other.deliver(signaling.Message{Type: signaling.TypeLeave, From: deviceID})
	}
	if s != nil {
		s.close()
	}
}

type memSignaler struct {
	bus        *memBus
	deviceID   string
	deviceName string
	messages   chan signaling.Message

	closeOnce sync.Once
	done      chan struct{}
}

func (s *memSignaler) Send(to, msgType string, payload []byte) error {
	s.bus.mu.Lock()
	target := s.bus.clients[to]
	s.bus.mu.Unlock()
	if target == nil {
		return fmt.Errorf("%w: no such device %s", signaling.ErrSignalingUnavailable, to)
	}
	target.deliver(signaling.Message{
		Type:     msgType,
		From:     s.deviceID,
		FromName: s.deviceName,
		To:       to,
		Payload:  payload,
	})
	return nil
}

func (s *memSignaler) Messages() <-chan signaling.Message { return s.messages }
func (s *memSignaler) Done() <-chan struct{}              { return s.done }

func (s *memSignaler) deliver(msg signaling.Message) {
	select {
	case s.messages <- msg:
	case <-s.done:
	}
}

func (s *memSignaler) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// memNetwork links memTransport pairs by (local, peer) endpoint key.
type memNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*memTransport
}

func newMemNetwork() *memNetwork {
	return &memNetwork{endpoints: make(map[string]*memTransport)}
}

func endpointKey(localID, peerID string) string {
	return localID + "->" + peerID
}

func (n *memNetwork) register(t *memTransport) {
	n.mu.Lock()
	n.endpoints[endpointKey(t.localID, t.peerID)] = t
	n.mu.Unlock()
}

func (n *memNetwork) unregister(t *memTransport) {
	n.mu.Lock()
	key := endpointKey(t.localID, t.peerID)
	if n.endpoints[key] == t {
		delete(n.endpoints, key)
	}
	n.mu.Unlock()
}

func (n *memNetwork) lookup(localID, peerID string) *memTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[endpointKey(localID, peerID)]
}

type memFactory struct {
	net     *memNetwork
	localID string
}

func (f *memFactory) NewTransport(peerID string, initiator bool, signal SignalFunc) (Transport, error) {
	t := &memTransport{
		net:     f.net,
		localID: f.localID,
		peerID:  peerID,
		signal:  signal,
	}
	f.net.register(t)
	if initiator {
		if err := signal(signaling.TypeOffer, []byte(`{}`)); err != nil {
			f.net.unregister(t)
			return nil, err
		}
	}
	return t, nil
}

type memTransport struct {
	net     *memNetwork
	localID string
	peerID  string
	signal  SignalFunc

	buffered atomic.Uint64

	mu          sync.Mutex
	onOpen      func()
	onMessage   func([]byte)
	onClose     func()
	onBufferLow func()
	opened      bool
	closedFlag  bool
}

func (t *memTransport) Send(payload []byte) error {
	t.mu.Lock()
	closed := t.closedFlag
	t.mu.Unlock()
	if closed {
		return ErrPeerNotConnected
	}
	remote := t.net.lookup(t.peerID, t.localID)
	if remote == nil {
		return ErrPeerNotConnected
	}
	remote.mu.Lock()
	fn := remote.onMessage
	remote.mu.Unlock()
	if fn != nil {
		fn(append([]byte(nil), payload...))
	}
	return nil
}

func (t *memTransport) BufferedAmount() uint64                   { return t.buffered.Load() }
func (t *memTransport) SetBufferedAmountLowThreshold(uint64)     {}
func (t *memTransport) OnBufferedAmountLow(fn func())            { t.mu.Lock(); t.onBufferLow = fn; t.mu.Unlock() }
func (t *memTransport) OnOpen(fn func())                         { t.mu.Lock(); t.onOpen = fn; t.mu.Unlock() }
func (t *memTransport) OnMessage(fn func(payload []byte))        { t.mu.Lock(); t.onMessage = fn; t.mu.Unlock() }
func (t *memTransport) OnClose(fn func())                        { t.mu.Lock(); t.onClose = fn; t.mu.Unlock() }

func (t *memTransport) HandleSignal(msg signaling.Message) error {
	switch msg.Type {
	case signaling.TypeOffer:
		return t.signal(signaling.TypeAnswer, []byte(`{}`))
	case signaling.TypeAnswer:
		remote := t.net.lookup(t.peerID, t.localID)
		t.open()
		if remote != nil {
			remote.open()
		}
	}
	return nil
}

func (t *memTransport) open() {
	t.mu.Lock()
	if t.opened || t.closedFlag {
		t.mu.Unlock()
		return
	}
	t.opened = true
	fn := t.onOpen
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	if t.closedFlag {
		t.mu.Unlock()
		return nil
	}
	t.closedFlag = true
	opened := t.opened
	fn := t.onClose
	t.mu.Unlock()

	t.net.unregister(t)
	if fn != nil {
		fn()
	}
	// Only a linked channel takes its remote end down with it.
	if opened {
		if remote := t.net.lookup(t.peerID, t.localID); remote != nil {
			remote.remoteClosed()
		}
	}
	return nil
}

func (t *memTransport) remoteClosed() {
	t.mu.Lock()
	if t.closedFlag {
		t.mu.Unlock()
		return
	}
	t.closedFlag = true
	fn := t.onClose
	t.mu.Unlock()
	t.net.unregister(t)
	if fn != nil {
		fn()
	}
}

// inertFactory produces transports whose handshake never completes.
type inertFactory struct{}

func (inertFactory) NewTransport(string, bool, SignalFunc) (Transport, error) {
	return &memTransport{net: newMemNetwork(), localID: "x", peerID: "y", signal: func(string, []byte) error { return nil }}, nil
}

type testHarness struct {
	bus *memBus
	net *memNetwork
}

func newTestHarness() *testHarness {
	return &testHarness{bus: newMemBus(), net: newMemNetwork()}
}

func (h *testHarness) startManager(t *testing.T, deviceID, deviceName string, opts Options) *Manager {
	t.Helper()
	opts.DeviceID = deviceID
	opts.DeviceName = deviceName
	opts.Signaler = h.bus.join(deviceID, deviceName)
	opts.Factory = &memFactory{net: h.net, localID: deviceID}
	m := NewManager(opts)
	t.Cleanup(m.Stop)
	return m
}

func waitForDiscovery(t *testing.T, m *Manager, peerID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, d := range m.Devices() {
			if d.ID == peerID {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("device %s never discovered", peerID)
}

func waitForState(t *testing.T, m *Manager, peerID string, want PeerState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.State(peerID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer %s: state = %s, want %s", peerID, m.State(peerID), want)
}

func TestConnectToDeviceEstablishesBothSides(t *testing.T) {
	h := newTestHarness()

	var connectedA, connectedB atomic.Int32
	a := h.startManager(t, "device-a", "Device A", Options{
		OnDeviceConnected: func(models.Device) { connectedA.Add(1) },
	})
	b := h.startManager(t, "device-b", "Device B", Options{
		OnDeviceConnected: func(models.Device) { connectedB.Add(1) },
	})

	waitForDiscovery(t, a, "device-b")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.ConnectToDevice(ctx, "device-b"); err != nil {
		t.Fatalf("ConnectToDevice failed: %v", err)
	}

	if got := a.State("device-b"); got != StateConnected {
		t.Fatalf("initiator state = %s, want %s", got, StateConnected)
	}
	waitForState(t, b, "device-a", StateConnected)

	if connectedA.Load() != 1 {
		t.Fatalf("initiator OnDeviceConnected fired %d times, want 1", connectedA.Load())
	}
	if connectedB.Load() != 1 {
		t.Fatalf("answerer OnDeviceConnected fired %d times, want 1", connectedB.Load())
	}

	// Connecting again is a no-op.
	if err := a.ConnectToDevice(ctx, "device-b"); err != nil {
		t.Fatalf("repeat ConnectToDevice failed: %v", err)
	}
	if connectedA.Load() != 1 {
		t.Fatalf("duplicate connect fired OnDeviceConnected again")
	}
}

func TestConnectToUnknownDeviceFails(t *testing.T) {
	h := newTestHarness()
	a := h.startManager(t, "device-a", "Device A", Options{})

	err := a.ConnectToDevice(context.Background(), "device-z")
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestMessagesFlowBetweenConnectedPeers(t *testing.T) {
	h := newTestHarness()

	received := make(chan string, 4)
	a := h.startManager(t, "device-a", "Device A", Options{})
	b := h.startManager(t, "device-b", "Device B", Options{
		OnMessage: func(peerID string, payload []byte) {
			received <- peerID + ":" + string(payload)
		},
	})

	waitForDiscovery(t, a, "device-b")
	if err := a.ConnectToDevice(context.Background(), "device-b"); err != nil {
		t.Fatalf("ConnectToDevice failed: %v", err)
	}
	waitForState(t, b, "device-a", StateConnected)

	if err := a.Send("device-b", []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case got := <-received:
		if got != "device-a:hello" {
			t.Fatalf("unexpected delivery: %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestSendToUnconnectedPeerFails(t *testing.T) {
	h := newTestHarness()
	a := h.startManager(t, "device-a", "Device A", Options{})
	h.startManager(t, "device-b", "Device B", Options{})

	waitForDiscovery(t, a, "device-b")
	err := a.Send("device-b", []byte("hello"))
	if !errors.Is(err, ErrPeerNotConnected) {
		t.Fatalf("expected ErrPeerNotConnected, got %v", err)
	}
}

func TestHandshakeTimeoutFailsAttempt(t *testing.T) {
	bus := newMemBus()
	signaler := bus.join("device-a", "Device A")
	bus.join("device-b", "Device B")

	m := NewManager(Options{
		DeviceID:         "device-a",
		DeviceName:       "Device A",
		Signaler:         signaler,
		Factory:          inertFactory{},
		HandshakeTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(m.Stop)

	waitForDiscovery(t, m, "device-b")
	err := m.ConnectToDevice(context.Background(), "device-b")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	if got := m.State("device-b"); got != StateFailed {
		t.Fatalf("state after timeout = %s, want %s", got, StateFailed)
	}

	// Reset returns the peer to idle so a new attempt can start.
	m.Reset("device-b")
	if got := m.State("device-b"); got != StateIdle {
		t.Fatalf("state after reset = %s, want %s", got, StateIdle)
	}
}

func TestPeerLeaveDisconnects(t *testing.T) {
	h := newTestHarness()

	disconnected := make(chan models.Device, 1)
	a := h.startManager(t, "device-a", "Device A", Options{
		OnDeviceDisconnected: func(d models.Device) { disconnected <- d },
	})
	b := h.startManager(t, "device-b", "Device B", Options{})

	waitForDiscovery(t, a, "device-b")
	if err := a.ConnectToDevice(context.Background(), "device-b"); err != nil {
		t.Fatalf("ConnectToDevice failed: %v", err)
	}
	waitForState(t, b, "device-a", StateConnected)

	b.Stop()
	h.bus.leave("device-b")

	select {
	case d := <-disconnected:
		if d.ID != "device-b" {
			t.Fatalf("unexpected disconnect: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for disconnect")
	}
	waitForState(t, a, "device-b", StateDisconnected)
}

func TestSimultaneousConnectsResolveToOneChannel(t *testing.T) {
	h := newTestHarness()
	a := h.startManager(t, "device-a", "Device A", Options{})
	b := h.startManager(t, "device-b", "Device B", Options{})

	waitForDiscovery(t, a, "device-b")
	waitForDiscovery(t, b, "device-a")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- a.ConnectToDevice(context.Background(), "device-b")
	}()
	go func() {
		defer wg.Done()
		errs <- b.ConnectToDevice(context.Background(), "device-a")
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("simultaneous connect failed: %v", err)
		}
	}
	if got := a.State("device-b"); got != StateConnected {
		t.Fatalf("a side state = %s, want %s", got, StateConnected)
	}
	if got := b.State("device-a"); got != StateConnected {
		t.Fatalf("b side state = %s, want %s", got, StateConnected)
	}
}

func TestBackpressureGatesSending(t *testing.T) {
	h := newTestHarness()
	a := h.startManager(t, "device-a", "Device A", Options{SendBufferHighWater: 1024})
	b := h.startManager(t, "device-b", "Device B", Options{})
	_ = b

	waitForDiscovery(t, a, "device-b")
	if err := a.ConnectToDevice(context.Background(), "device-b"); err != nil {
		t.Fatalf("ConnectToDevice failed: %v", err)
	}

	transport := h.net.lookup("device-a", "device-b")
	if transport == nil {
		t.Fatalf("initiator transport not registered")
	}

	if !a.CanSend("device-b") {
		t.Fatalf("CanSend should be true with an empty buffer")
	}
	transport.buffered.Store(4096)
	if a.CanSend("device-b") {
		t.Fatalf("CanSend should be false above the high-water mark")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	if err := a.WaitForDrain(ctx, "device-b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while saturated, got %v", err)
	}
	cancel()

	go func() {
		time.Sleep(30 * time.Millisecond)
		transport.buffered.Store(0)
	}()
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.WaitForDrain(ctx, "device-b"); err != nil {
		t.Fatalf("WaitForDrain after drain failed: %v", err)
	}
	if !a.CanSend("device-b") {
		t.Fatalf("CanSend should be true after drain")
	}
}

func TestResetTearsDownConnectedPeer(t *testing.T) {
	h := newTestHarness()
	a := h.startManager(t, "device-a", "Device A", Options{})
	b := h.startManager(t, "device-b", "Device B", Options{})

	waitForDiscovery(t, a, "device-b")
	if err := a.ConnectToDevice(context.Background(), "device-b"); err != nil {
		t.Fatalf("ConnectToDevice failed: %v", err)
	}
	waitForState(t, b, "device-a", StateConnected)

	a.Reset("device-b")
	if got := a.State("device-b"); got != StateIdle {
		t.Fatalf("state after reset = %s, want %s", got, StateIdle)
	}
	waitForState(t, b, "device-a", StateDisconnected)

	if err := a.Send("device-b", []byte("x")); !errors.Is(err, ErrPeerNotConnected) {
		t.Fatalf("expected ErrPeerNotConnected after reset, got %v", err)
	}
}

func TestRosterTracksAnnouncements(t *testing.T) {
	h := newTestHarness()

	discovered := make(chan models.Device, 4)
	a := h.startManager(t, "device-a", "Device A", Options{
		OnDeviceDiscovered: func(d models.Device) { discovered <- d },
	})
	h.startManager(t, "device-b", "Device B", Options{})

	select {
	case d := <-discovered:
		if d.ID != "device-b" || d.Name != "Device B" || d.Status != models.DeviceDiscovered {
			t.Fatalf("unexpected discovery: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for discovery")
	}

	devices := a.Devices()
	if len(devices) != 1 || devices[0].ID != "device-b" {
		t.Fatalf("unexpected roster: %+v", devices)
	}
}
