package signaling

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startRelay(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(NewRelay())
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitForMessage(t *testing.T, client *Client, msgType string) Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				t.Fatalf("message channel closed while waiting for %q", msgType)
			}
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", msgType)
		}
	}
}

func TestJoinFailsWhenRelayUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Join(ctx, "ws://127.0.0.1:1/ws", "ROOM1234", "device-a", "Device A")
	if !errors.Is(err, ErrSignalingUnavailable) {
		t.Fatalf("expected ErrSignalingUnavailable, got %v", err)
	}
}

func TestJoinAnnouncesRosterBothWays(t *testing.T) {
	relayURL := startRelay(t)
	ctx := context.Background()

	first, err := Join(ctx, relayURL, "ROOM1234", "device-a", "Device A")
	if err != nil {
		t.Fatalf("first Join failed: %v", err)
	}
	defer first.Close()

	second, err := Join(ctx, relayURL, "ROOM1234", "device-b", "Device B")
	if err != nil {
		t.Fatalf("second Join failed: %v", err)
	}
	defer second.Close()

	// The newcomer sees the existing member, the existing member sees the newcomer.
	replay := waitForMessage(t, second, TypeAnnounce)
	if replay.From != "device-a" || replay.FromName != "Device A" {
		t.Fatalf("unexpected roster replay: %+v", replay)
	}
	announce := waitForMessage(t, first, TypeAnnounce)
	if announce.From != "device-b" || announce.FromName != "Device B" {
		t.Fatalf("unexpected announce: %+v", announce)
	}
}

func TestAddressedSendReachesOnlyTarget(t *testing.T) {
	relayURL := startRelay(t)
	ctx := context.Background()

	first, err := Join(ctx, relayURL, "ROOM1234", "device-a", "Device A")
	if err != nil {
		t.Fatalf("Join a failed: %v", err)
	}
	defer first.Close()
	second, err := Join(ctx, relayURL, "ROOM1234", "device-b", "Device B")
	if err != nil {
		t.Fatalf("Join b failed: %v", err)
	}
	defer second.Close()
	third, err := Join(ctx, relayURL, "ROOM1234", "device-c", "Device C")
	if err != nil {
		t.Fatalf("Join c failed: %v", err)
	}
	defer third.Close()

	waitForMessage(t, second, TypeAnnounce)
	if err := first.Send("device-b", TypeOffer, []byte(`{"sdp":"x"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	offer := waitForMessage(t, second, TypeOffer)
	if offer.From != "device-a" || offer.To != "device-b" {
		t.Fatalf("unexpected offer routing: %+v", offer)
	}

	select {
	case msg, ok := <-third.Messages():
		if ok && msg.Type == TypeOffer {
			t.Fatalf("addressed offer leaked to third device: %+v", msg)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestLeavePropagatesToRoom(t *testing.T) {
	relayURL := startRelay(t)
	ctx := context.Background()

	first, err := Join(ctx, relayURL, "ROOM1234", "device-a", "Device A")
	if err != nil {
		t.Fatalf("Join a failed: %v", err)
	}
	defer first.Close()
	second, err := Join(ctx, relayURL, "ROOM1234", "device-b", "Device B")
	if err != nil {
		t.Fatalf("Join b failed: %v", err)
	}

	waitForMessage(t, first, TypeAnnounce)
	second.Leave()

	leave := waitForMessage(t, first, TypeLeave)
	if leave.From != "device-b" {
		t.Fatalf("unexpected leave origin: %+v", leave)
	}

	select {
	case <-second.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Done to close after Leave")
	}
	// Leave is idempotent.
	second.Leave()
}

func TestDifferentRoomsAreIsolated(t *testing.T) {
	relayURL := startRelay(t)
	ctx := context.Background()

	first, err := Join(ctx, relayURL, "ROOMAAAA", "device-a", "Device A")
	if err != nil {
		t.Fatalf("Join a failed: %v", err)
	}
	defer first.Close()
	second, err := Join(ctx, relayURL, "ROOMBBBB", "device-b", "Device B")
	if err != nil {
		t.Fatalf("Join b failed: %v", err)
	}
	defer second.Close()

	select {
	case msg, ok := <-first.Messages():
		if ok {
			t.Fatalf("unexpected cross-room message: %+v", msg)
		}
	case <-time.After(300 * time.Millisecond):
	}
}
