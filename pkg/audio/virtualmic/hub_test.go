package virtualmic_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingualink/pkg/audio/virtualmic"
)

func dialHub(t *testing.T, hub *virtualmic.Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestHub_StreamsMessages(t *testing.T) {
	t.Parallel()

	hub := virtualmic.NewHub()
	defer hub.Close()
	conn := dialHub(t, hub)
	waitFor(t, 2*time.Second, func() bool { return hub.ClientCount() == 1 })

	msg := virtualmic.Chunk([]int16{5, 6, 7}, "track", 24000, time.UnixMilli(99))[0]
	if err := hub.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v, want text", typ)
	}
	var got virtualmic.Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.TrackID != "track" || len(got.PCMData) != 3 || got.PCMData[2] != 7 || got.Timestamp != 99 {
		t.Errorf("received %+v", got)
	}
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	t.Parallel()

	hub := virtualmic.NewHub()
	defer hub.Close()
	conn := dialHub(t, hub)
	waitFor(t, 2*time.Second, func() bool { return hub.ClientCount() == 1 })
	if ids := hub.Clients(); len(ids) != 1 || ids[0] == "" {
		t.Errorf("Clients = %v", ids)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, 2*time.Second, func() bool { return hub.ClientCount() == 0 })
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	t.Parallel()

	hub := virtualmic.NewHub()
	conn := dialHub(t, hub)
	waitFor(t, 2*time.Second, func() bool { return hub.ClientCount() == 1 })

	if err := hub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("Read after hub Close = %v, want going away", err)
	}
	if hub.ClientCount() != 0 {
		t.Error("clients remain after Close")
	}
}
