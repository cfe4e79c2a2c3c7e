package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRoomUpserted is emitted when a room appears or its metadata changes.
	EventRoomUpserted EventType = "room_upserted"
	// EventRoomRemoved is emitted when a previously seen room disappears.
	EventRoomRemoved EventType = "room_removed"
)

// EventType identifies room discovery updates.
type EventType string

// Event carries discovery updates for UI consumers.
type Event struct {
	Type EventType
	Room DiscoveredRoom
}

// DiscoveredRoom is a joinable room advertised on the local network.
type DiscoveredRoom struct {
	RoomID     string
	DeviceID   string
	DeviceName string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RoomScanner discovers nearby rooms with periodic and manual mDNS browse
// operations.
type RoomScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	rooms map[string]DiscoveredRoom

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRoomScanner creates a scanner with config defaults applied.
func NewRoomScanner(config Config) (*RoomScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &RoomScanner{
		cfg:             cfg,
		browse:          browse,
		rooms:           make(map[string]DiscoveredRoom),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background room scanning.
func (s *RoomScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning.
func (s *RoomScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *RoomScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *RoomScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("room scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("room scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("room scanner is stopped")
	}
}

// ListRooms returns the current in-memory discovered room snapshot.
func (s *RoomScanner) ListRooms() []DiscoveredRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredRoom, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, room)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomID == out[j].RoomID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

func (s *RoomScanner) loop() {
	defer s.wg.Done()

	// Prime the room list immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RoomScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRoom)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				room, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				room.LastSeen = time.Now()
				collectedMu.Lock()
				collected[room.DeviceID] = room
				collectedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *RoomScanner) applySnapshot(next map[string]DiscoveredRoom) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.rooms
	s.rooms = next

	for id, room := range next {
		old, exists := previous[id]
		if !exists || !roomsEqual(old, room) {
			s.emitEvent(Event{Type: EventRoomUpserted, Room: room})
		}
	}

	for id, room := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventRoomRemoved, Room: room})
		}
	}
}

func (s *RoomScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredRoom, bool) {
	txt := txtToMap(entry.Text)

	roomID := strings.TrimSpace(txt["room"])
	deviceID := strings.TrimSpace(txt["device_id"])
	if roomID == "" || deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredRoom{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredRoom{
		RoomID:     roomID,
		DeviceID:   deviceID,
		DeviceName: name,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func roomsEqual(a, b DiscoveredRoom) bool {
	if a.RoomID != b.RoomID ||
		a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
