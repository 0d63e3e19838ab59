package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/orka/internal/bus"
	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

type pingHandler struct{}

func (pingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pong":true}`))
	})
}

func startGateway(t *testing.T, cfg *config.Config, b *bus.Bus) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer(cfg, b, pingHandler{})
	addr, start := StartTestServer(srv, ctx)
	start()
	return addr
}

func TestHealthAndRoutes(t *testing.T) {
	addr := startGateway(t, config.Default(), bus.New())

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var health struct {
		Status   string `json:"status"`
		Protocol int    `json:"protocol"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("health body %q: %v", body, err)
	}
	if health.Status != "ok" || health.Protocol != protocol.ProtocolVersion {
		t.Errorf("health = %+v", health)
	}

	resp, err = http.Get("http://" + addr + "/v1/ping")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("registered route: %d", resp.StatusCode)
	}
}

func TestWebSocketReceivesBusEvents(t *testing.T) {
	b := bus.New()
	addr := startGateway(t, config.Default(), b)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The subscription is registered synchronously during the upgrade
	// handshake, so the first broadcast after Dial is deliverable.
	deadline := time.Now().Add(2 * time.Second)
	var frame protocol.EventFrame
	for time.Now().Before(deadline) {
		b.Broadcast(bus.Event{Name: protocol.EventSessionCreated, Payload: map[string]string{"id": "s1"}})
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if err := conn.ReadJSON(&frame); err == nil {
			break
		}
	}
	if frame.Event != protocol.EventSessionCreated {
		t.Fatalf("event = %q", frame.Event)
	}
	if frame.Type != "event" {
		t.Errorf("type = %q", frame.Type)
	}
}

func TestWebSocketTokenAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Token = "sekrit"
	addr := startGateway(t, cfg, bus.New())

	if _, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil); err == nil {
		t.Error("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws?token=sekrit", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}

func TestOriginRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.AllowedOrigins = []string{"https://orka.example"}
	addr := startGateway(t, cfg, bus.New())

	hdr := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", hdr); err == nil {
		t.Error("dial from rejected origin succeeded")
	}

	hdr = http.Header{"Origin": []string{"https://orka.example"}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", hdr)
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	conn.Close()
}

func TestClientUnsubscribedOnDisconnect(t *testing.T) {
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer(config.Default(), b)
	addr, start := StartTestServer(srv, ctx)
	start()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return srv.ClientCount() == 1 })
	conn.Close()
	waitFor(t, func() bool { return srv.ClientCount() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestCheckOriginMatrix(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.AllowedOrigins = []string{"https://a.example"}
	s := NewServer(cfg, nil)

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://a.example", true},
		{"https://b.example", false},
	}
	for _, tc := range cases {
		r, _ := http.NewRequest("GET", "/ws", strings.NewReader(""))
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := s.checkOrigin(r); got != tc.want {
			t.Errorf("origin %q: got %v, want %v", tc.origin, got, tc.want)
		}
	}
}
