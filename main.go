package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"nearshare/config"
	"nearshare/discovery"
	"nearshare/models"
	"nearshare/room"
	"nearshare/signaling"
	"nearshare/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "create":
		runCreate(os.Args[2:])
	case "join":
		runJoin(os.Args[2:])
	case "relay":
		runRelay(os.Args[2:])
	case "nearby":
		runNearby(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nearshare <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  create              host a room and wait for devices")
	fmt.Fprintln(os.Stderr, "  join <code-or-link> join a room, optionally sending files")
	fmt.Fprintln(os.Stderr, "  relay               run a self-hosted signaling relay")
	fmt.Fprintln(os.Stderr, "  nearby              list rooms advertised on the local network")
	fmt.Fprintln(os.Stderr, "  history             show recent transfer history")
}

func startup() (*config.DeviceConfig, string) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Relay:           %s\n", cfg.RelayURL)
	fmt.Printf("Config File:     %s\n", cfgPath)
	return cfg, filepath.Dir(cfgPath)
}

func runCreate(args []string) {
	flags := flag.NewFlagSet("create", flag.ExitOnError)
	qrPath := flags.String("qr", "", "write the invitation QR code PNG to this path")
	_ = flags.Parse(args)

	cfg, dataDir := startup()
	store := openHistory(dataDir)
	defer store.Close()

	coordinator := newCoordinator(cfg, store)
	defer coordinator.Leave()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hosted, err := coordinator.CreateRoom(ctx)
	if err != nil {
		log.Fatalf("create room failed: %v", err)
	}

	invitation, err := coordinator.Invitation()
	if err != nil {
		log.Fatalf("build invitation failed: %v", err)
	}
	fmt.Printf("Room Code:       %s\n", hosted.RoomID)
	fmt.Printf("Share Link:      %s\n", invitation.ShareableLink)

	if *qrPath != "" {
		png, err := coordinator.InvitationQR(512)
		if err != nil {
			log.Fatalf("render QR failed: %v", err)
		}
		if err := os.WriteFile(*qrPath, png, 0o644); err != nil {
			log.Fatalf("write QR failed: %v", err)
		}
		fmt.Printf("Invitation QR:   %s\n", *qrPath)
	}

	if broadcaster := announceRoom(cfg, hosted.RoomID); broadcaster != nil {
		defer broadcaster.Stop()
	}

	fmt.Println("Status:          waiting for devices (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func runJoin(args []string) {
	flags := flag.NewFlagSet("join", flag.ExitOnError)
	sendTo := flags.String("to", "", "device name to send the files to (default: first connected)")
	_ = flags.Parse(args)

	rest := flags.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: nearshare join <code-or-link> [files...]")
		os.Exit(2)
	}
	target := rest[0]
	files := rest[1:]

	cfg, dataDir := startup()
	store := openHistory(dataDir)
	defer store.Close()

	coordinator := newCoordinator(cfg, store)
	defer coordinator.Leave()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if strings.Contains(target, "://") {
		err = coordinator.JoinFromLink(ctx, target)
	} else {
		err = coordinator.JoinRoom(ctx, strings.ToUpper(target))
	}
	if err != nil {
		log.Fatalf("join failed: %v", err)
	}
	joined, _ := coordinator.Room()
	fmt.Printf("Room Code:       %s\n", joined.RoomID)

	if len(files) == 0 {
		fmt.Println("Status:          receiving (press Ctrl+C to stop)")
		<-ctx.Done()
		fmt.Println("Status:          shutting down")
		return
	}

	device, err := waitForDevice(ctx, coordinator, *sendTo)
	if err != nil {
		log.Fatalf("no device to send to: %v", err)
	}
	fmt.Printf("Sending To:      %s (%s)\n", device.Name, device.ID)

	records, err := coordinator.SendFiles(ctx, device.ID, files...)
	for _, record := range records {
		fmt.Printf("Transfer:        %s %s (%d bytes)\n", record.Status, record.FileName, record.FileSize)
	}
	if err != nil {
		log.Fatalf("send failed: %v", err)
	}
}

func runRelay(args []string) {
	flags := flag.NewFlagSet("relay", flag.ExitOnError)
	addr := flags.String("addr", ":8080", "listen address")
	path := flags.String("path", "/ws", "websocket path")
	_ = flags.Parse(args)

	mux := http.NewServeMux()
	mux.Handle(*path, signaling.NewRelay())

	fmt.Printf("Relay:           ws://%s%s\n", *addr, *path)
	fmt.Println("Status:          running (press Ctrl+C to stop)")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("relay failed: %v", err)
	}
}

func runHistory(args []string) {
	flags := flag.NewFlagSet("history", flag.ExitOnError)
	limit := flags.Int("n", 20, "number of rows to show")
	_ = flags.Parse(args)

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		log.Fatalf("resolve data directory failed: %v", err)
	}
	store, _, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("open history failed: %v", err)
	}
	defer store.Close()

	records, err := store.ListRecent(*limit)
	if err != nil {
		log.Fatalf("list history failed: %v", err)
	}
	if len(records) == 0 {
		fmt.Println("No transfers recorded yet.")
		return
	}
	for _, record := range records {
		when := time.Unix(record.StartedAt, 0).Format("2006-01-02 15:04")
		fmt.Printf("%s  %-9s %-7s %-30s %10d bytes  room %s\n",
			when, record.Status, record.Direction, record.FileName, record.FileSize, record.RoomID)
	}
}

// newCoordinator wires transfer callbacks to console output and history rows.
func newCoordinator(cfg *config.DeviceConfig, store *storage.Store) *room.Coordinator {
	recorded := make(map[string]bool)

	coordinator, err := room.New(room.Options{
		Config: cfg,
		OnRosterChanged: func(devices []models.Device) {
			for _, device := range devices {
				log.Printf("room: device %s name=%q status=%s", device.ID, device.Name, device.Status)
			}
		},
		OnTransferProgress: func(transfer models.FileTransfer) {
			recordProgress(store, cfg, recorded, transfer)
			if transfer.Status == models.TransferTransferring {
				fmt.Printf("\r%-30s %6.1f%%  %8.0f KB/s", transfer.FileName, transfer.Progress, transfer.BytesPerSecond/1024)
				return
			}
			fmt.Printf("\r%-30s %s\n", transfer.FileName, transfer.Status)
		},
		OnFileReceived: func(transfer models.FileTransfer, path string) {
			fmt.Printf("Received:        %s -> %s\n", transfer.FileName, path)
			if err := store.UpdateTransferStatus(transfer.ID, transfer.Status, path); err != nil {
				log.Printf("history: update %s failed: %v", transfer.ID, err)
			}
		},
	})
	if err != nil {
		log.Fatalf("coordinator setup failed: %v", err)
	}

	go func() {
		for err := range coordinator.Errors() {
			log.Printf("background error: %v", err)
		}
	}()
	return coordinator
}

func recordProgress(store *storage.Store, cfg *config.DeviceConfig, recorded map[string]bool, transfer models.FileTransfer) {
	if !recorded[transfer.ID] {
		recorded[transfer.ID] = true
		direction := storage.DirectionReceive
		if transfer.FromDevice == cfg.DeviceID {
			direction = storage.DirectionSend
		}
		err := store.RecordTransfer(storage.TransferRecord{
			TransferID: transfer.ID,
			FileName:   transfer.FileName,
			FileSize:   transfer.FileSize,
			FromDevice: transfer.FromDevice,
			ToDevice:   transfer.ToDevice,
			Direction:  direction,
			Status:     transfer.Status,
			StartedAt:  transfer.StartedAt,
		})
		if err != nil {
			log.Printf("history: record %s failed: %v", transfer.ID, err)
		}
		return
	}
	if transfer.Status.Terminal() {
		if err := store.UpdateTransferStatus(transfer.ID, transfer.Status, ""); err != nil {
			log.Printf("history: update %s failed: %v", transfer.ID, err)
		}
	}
}

// announceRoom advertises the hosted room on the LAN. Best effort; relay
// signaling works without it.
func announceRoom(cfg *config.DeviceConfig, roomID string) *discovery.Broadcaster {
	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		SelfDeviceID: cfg.DeviceID,
		DeviceName:   cfg.DeviceName,
		RoomID:       roomID,
	})
	if err != nil {
		log.Printf("discovery: broadcast unavailable: %v", err)
		return nil
	}
	fmt.Println("Discovery:       broadcasting on LAN")
	return broadcaster
}

func runNearby(args []string) {
	flags := flag.NewFlagSet("nearby", flag.ExitOnError)
	wait := flags.Duration("wait", 3*time.Second, "how long to scan")
	_ = flags.Parse(args)

	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	scanner, err := discovery.NewRoomScanner(discovery.Config{
		SelfDeviceID: cfg.DeviceID,
		ScanTimeout:  *wait,
	})
	if err != nil {
		log.Fatalf("scanner setup failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		log.Fatalf("scanner start failed: %v", err)
	}
	defer scanner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), *wait+time.Second)
	defer cancel()
	if err := scanner.Refresh(ctx); err != nil {
		log.Printf("discovery: scan incomplete: %v", err)
	}

	rooms := scanner.ListRooms()
	if len(rooms) == 0 {
		fmt.Println("No rooms found on the local network.")
		return
	}
	for _, found := range rooms {
		fmt.Printf("%-10s hosted by %-20s %v\n", found.RoomID, found.DeviceName, found.Addresses)
	}
}

func openHistory(dataDir string) *storage.Store {
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("open history failed: %v", err)
	}
	fmt.Printf("Database File:   %s\n", dbPath)
	return store
}

// waitForDevice blocks until another device is in the roster, preferring a
// name match when requested.
func waitForDevice(ctx context.Context, coordinator *room.Coordinator, wantName string) (models.Device, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		var fallback *models.Device
		for _, device := range coordinator.Devices() {
			if wantName != "" && device.Name == wantName {
				return device, nil
			}
			if fallback == nil {
				d := device
				fallback = &d
			}
		}
		if wantName == "" && fallback != nil {
			return *fallback, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return models.Device{}, ctx.Err()
		}
	}
}
