package monitor_test

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"petoiwire/pkg/bridge/monitor"
	"petoiwire/pkg/engine"
	"petoiwire/pkg/protocol"
)

func TestMonitorStreamsRecords(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen free port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	hub := engine.NewHub()
	go hub.Run(ctx)

	srv := monitor.NewServer(monitor.Config{Addr: addr}, hub, nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	dialURL := url.URL{Scheme: "ws", Host: addr, Path: "/"}
	dialer := websocket.Dialer{Subprotocols: []string{monitor.Subprotocol}}
	var conn *websocket.Conn
	for i := 0; i < 80; i++ {
		conn, _, err = dialer.Dial(dialURL.String(), nil)
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("dial monitor websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("monitor run error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("timed out waiting for monitor shutdown")
		}
	})

	var hello monitor.HelloMsg
	readJSON(t, conn, &hello)
	if hello.Op != monitor.OpHello || hello.Name != "petoiwire" {
		t.Fatalf("unexpected hello: %+v", hello)
	}

	// The client is registered after the hello is written; keep publishing
	// until one record arrives.
	got := make(chan monitor.RecordMsg, 1)
	go func() {
		var msg monitor.RecordMsg
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
	}()
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg := <-got:
			if msg.Op != monitor.OpRecord || msg.Kind != "command" || msg.Display != "kbalance" {
				t.Fatalf("unexpected record: %+v", msg)
			}
			return
		case <-ticker.C:
			hub.Publish(protocol.Record{Kind: protocol.RecordCommand, Wire: "kbalance", Display: "kbalance"})
		case <-deadline:
			t.Fatalf("timed out waiting for record")
		}
	}
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode message: %v", err)
	}
}
