package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nearshare/config"
	"nearshare/models"
	"nearshare/network"
	"nearshare/signaling"
	"nearshare/transfer"
)

var (
	// ErrAlreadyInRoom indicates a join while a session is active.
	ErrAlreadyInRoom = errors.New("room: already in a room")
	// ErrNotInRoom indicates a room operation without an active session.
	ErrNotInRoom = errors.New("room: not in a room")
)

// Options configures a session coordinator.
type Options struct {
	Config *config.DeviceConfig

	// IDs generates room and transfer identifiers. Defaults to CryptoIDSource.
	IDs IDSource
	// Factory builds peer transports. Defaults to WebRTC using the
	// configured STUN servers.
	Factory network.TransportFactory

	OnRosterChanged    func([]models.Device)
	OnTransferProgress func(models.FileTransfer)
	OnFileReceived     func(transfer models.FileTransfer, path string)
}

// Coordinator ties one device's signaling session, peer connections and
// transfers into a single room membership.
//
// A coordinator is in at most one room at a time; Leave ends the session and
// a new room can then be created or joined.
type Coordinator struct {
	opts Options

	mu      sync.Mutex
	room    models.Room
	joined  bool
	signals *signaling.Client
	manager *network.Manager
	engine  *transfer.Engine

	errors chan error
}

// New creates a coordinator for the configured device.
func New(opts Options) (*Coordinator, error) {
	if opts.Config == nil {
		return nil, errors.New("room: config is required")
	}
	if opts.IDs == nil {
		opts.IDs = CryptoIDSource{}
	}
	if opts.Factory == nil {
		opts.Factory = &network.WebRTCFactory{StunServers: opts.Config.StunServers}
	}
	return &Coordinator{
		opts:   opts,
		errors: make(chan error, 16),
	}, nil
}

// Errors surfaces background failures from signaling, connections and
// transfers.
func (c *Coordinator) Errors() <-chan error {
	return c.errors
}

// CreateRoom generates a fresh room code and hosts a session under it.
func (c *Coordinator) CreateRoom(ctx context.Context) (models.Room, error) {
	code := c.opts.IDs.RoomCode()
	if err := c.join(ctx, code, true); err != nil {
		return models.Room{}, err
	}
	return c.Room()
}

// JoinRoom joins an existing room by its code.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: empty room code", ErrInvalidPayload)
	}
	return c.join(ctx, roomID, false)
}

// JoinFromLink joins the room referenced by a share link.
func (c *Coordinator) JoinFromLink(ctx context.Context, link string) error {
	roomID, _, err := ParseShareLink(link)
	if err != nil {
		return err
	}
	return c.JoinRoom(ctx, roomID)
}

// JoinFromPayload joins the room referenced by scanned invitation data.
func (c *Coordinator) JoinFromPayload(ctx context.Context, raw string) error {
	payload, err := ParseJoinPayload(raw)
	if err != nil {
		return err
	}
	return c.JoinRoom(ctx, payload.RoomID)
}

func (c *Coordinator) join(ctx context.Context, roomID string, creator bool) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return ErrAlreadyInRoom
	}
	c.mu.Unlock()

	cfg := c.opts.Config
	client, err := signaling.Join(ctx, cfg.RelayURL, roomID, cfg.DeviceID, cfg.DeviceName)
	if err != nil {
		return err
	}

	manager := network.NewManager(network.Options{
		DeviceID:         cfg.DeviceID,
		DeviceName:       cfg.DeviceName,
		Signaler:         client,
		Factory:          c.opts.Factory,
		HandshakeTimeout: cfg.HandshakeTimeout(),

		OnDeviceDiscovered:   func(models.Device) { c.rosterChanged() },
		OnDeviceConnected:    func(models.Device) { c.rosterChanged() },
		OnDeviceDisconnected: c.deviceDisconnected,
		OnMessage:            c.handleMessage,
	})

	engine := transfer.NewEngine(transfer.Options{
		DeviceID:      cfg.DeviceID,
		DeviceName:    cfg.DeviceName,
		Link:          manager,
		ChunkSize:     cfg.ChunkSize,
		StallTimeout:  cfg.StallTimeout(),
		DownloadDir:   cfg.DownloadDir,
		NewTransferID: c.opts.IDs.TransferID,

		OnProgress:     c.opts.OnTransferProgress,
		OnFileReceived: c.opts.OnFileReceived,
	})

	room := models.Room{
		RoomID:    roomID,
		CreatedAt: time.Now().Unix(),
	}
	if creator {
		room.CreatorDeviceName = cfg.DeviceName
	}

	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		manager.Stop()
		client.Close()
		return ErrAlreadyInRoom
	}
	c.room = room
	c.joined = true
	c.signals = client
	c.manager = manager
	c.engine = engine
	c.mu.Unlock()

	go c.forwardErrors(client, manager, engine)
	return nil
}

// Leave ends the session: transfers with peers fail, the relay gets a leave
// announcement, and the coordinator is ready for a new room. Idempotent.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	signals := c.signals
	manager := c.manager
	c.joined = false
	c.signals = nil
	c.manager = nil
	c.engine = nil
	c.room = models.Room{}
	c.mu.Unlock()

	manager.Stop()
	signals.Leave()
}

// Room returns the active room.
func (c *Coordinator) Room() (models.Room, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return models.Room{}, ErrNotInRoom
	}
	return c.room, nil
}

// Devices returns the current roster snapshot.
func (c *Coordinator) Devices() []models.Device {
	c.mu.Lock()
	manager := c.manager
	c.mu.Unlock()
	if manager == nil {
		return nil
	}
	return manager.Devices()
}

// Invitation builds the join payload for the active room.
func (c *Coordinator) Invitation() (JoinPayload, error) {
	room, err := c.Room()
	if err != nil {
		return JoinPayload{}, err
	}
	return BuildJoinPayload(c.opts.Config.ShareBaseURL, room.RoomID, c.opts.Config.DeviceName), nil
}

// InvitationQR renders the active room's invitation as a QR PNG.
func (c *Coordinator) InvitationQR(size int) ([]byte, error) {
	payload, err := c.Invitation()
	if err != nil {
		return nil, err
	}
	return JoinQRCode(payload, size)
}

// ConnectToDevice establishes a channel to a device in the room.
func (c *Coordinator) ConnectToDevice(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	manager := c.manager
	c.mu.Unlock()
	if manager == nil {
		return ErrNotInRoom
	}
	return manager.ConnectToDevice(ctx, deviceID)
}

// SendFiles connects to the device if needed and streams each file in turn.
// It returns the records of every attempted transfer; the first failure
// stops the remainder.
func (c *Coordinator) SendFiles(ctx context.Context, deviceID string, paths ...string) ([]models.FileTransfer, error) {
	c.mu.Lock()
	manager := c.manager
	engine := c.engine
	c.mu.Unlock()
	if manager == nil || engine == nil {
		return nil, ErrNotInRoom
	}

	if err := manager.ConnectToDevice(ctx, deviceID); err != nil {
		return nil, err
	}

	records := make([]models.FileTransfer, 0, len(paths))
	for _, path := range paths {
		record, err := engine.SendFile(ctx, deviceID, path)
		records = append(records, record)
		if err != nil {
			return records, err
		}
	}
	return records, nil
}

// CancelTransfer aborts an in-flight transfer in either direction.
func (c *Coordinator) CancelTransfer(transferID string) error {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return ErrNotInRoom
	}
	return engine.Cancel(transferID)
}

func (c *Coordinator) handleMessage(peerID string, payload []byte) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return
	}
	if err := engine.HandleMessage(peerID, payload); err != nil {
		c.reportError(err)
	}
}

func (c *Coordinator) deviceDisconnected(device models.Device) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		engine.HandlePeerDisconnected(device.ID)
	}
	c.rosterChanged()
}

func (c *Coordinator) rosterChanged() {
	if c.opts.OnRosterChanged == nil {
		return
	}
	c.opts.OnRosterChanged(c.Devices())
}

// forwardErrors funnels component error streams into the coordinator's.
func (c *Coordinator) forwardErrors(client *signaling.Client, manager *network.Manager, engine *transfer.Engine) {
	for {
		select {
		case err := <-manager.Errors():
			c.reportError(err)
		case err := <-engine.Errors():
			c.reportError(err)
		case <-client.Done():
			if err := client.Err(); err != nil {
				c.reportError(err)
			}
			return
		}
	}
}

func (c *Coordinator) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}
