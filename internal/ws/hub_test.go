package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spinspeeder/spinspeeder/internal/display"
	"github.com/spinspeeder/spinspeeder/internal/session"
	"github.com/spinspeeder/spinspeeder/internal/tracking"
	wsHub "github.com/spinspeeder/spinspeeder/internal/ws"
)

const testInterval = 20 * time.Millisecond

// --- helpers ----------------------------------------------------------------

type message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func detected(speed float64) tracking.Measurement {
	return tracking.Detected(tracking.FrameMeasurement{
		X: 10, Y: 20, Radius: 5, Speed: speed, RotationRate: 1, DetectedObjectCount: 1,
	})
}

// startHub starts a test HTTP server with the hub as its handler.
// The hub's Run loop is started with a cancellable context.
func startHub(t *testing.T, mgr *session.Manager, interval time.Duration) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(mgr, display.NewConverter(0, ""), interval)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

// dial connects a WebSocket client to wsURL and returns the connection.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one message from conn with a short deadline.
func readMessage(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

// waitCount polls hub.Count until it equals n.
func waitCount(t *testing.T, hub *wsHub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Count: got %d, want %d", hub.Count(), n)
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_NoSessionSendsIdle(t *testing.T) {
	wsURL, _, _ := startHub(t, session.NewManager(), time.Hour)

	conn := dial(t, wsURL)
	if m := readMessage(t, conn); m.Event != wsHub.EventIdle {
		t.Errorf("event: got %q, want idle", m.Event)
	}
}

func TestHub_Connect_ReceivesImmediateLiveView(t *testing.T) {
	mgr := session.NewManager()
	mgr.Start()
	mgr.OnMeasurement(detected(250))
	wsURL, _, _ := startHub(t, mgr, time.Hour)

	conn := dial(t, wsURL)
	m := readMessage(t, conn)
	if m.Event != wsHub.EventLive {
		t.Fatalf("event: got %q, want live", m.Event)
	}
	var live display.Live
	if err := json.Unmarshal(m.Data, &live); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if live.Status != "tracking" || live.Speed != 2.5 || live.SpeedUnit != "m/s" {
		t.Errorf("live view = %+v", live)
	}
}

func TestHub_DeliverFinalSummary(t *testing.T) {
	mgr := session.NewManager()
	mgr.Start()
	mgr.OnMeasurement(detected(250))
	wsURL, hub, _ := startHub(t, mgr, time.Hour)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	final, err := mgr.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	hub.Deliver(final)

	m := readMessage(t, conn)
	if m.Event != wsHub.EventFinal {
		t.Fatalf("event: got %q, want final", m.Event)
	}
	var sum display.Final
	if err := json.Unmarshal(m.Data, &sum); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if sum.MaxSpeed != 2.5 || sum.DistinctBallCount != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestHub_DeliverDropsOlderSnapshot(t *testing.T) {
	mgr := session.NewManager()
	mgr.Start()
	wsURL, hub, _ := startHub(t, mgr, time.Hour)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	old, _ := mgr.OnMeasurement(detected(100))
	newer, _ := mgr.OnMeasurement(detected(200))
	hub.Deliver(newer)
	hub.Deliver(old)
	hub.Deliver(session.Snapshot{Seq: newer.Seq + 1, SessionID: "marker"})

	var got []uint64
	for len(got) < 2 {
		m := readMessage(t, conn)
		var live display.Live
		json.Unmarshal(m.Data, &live) //nolint:errcheck
		got = append(got, live.Seq)
	}
	if got[0] != newer.Seq || got[1] != newer.Seq+1 {
		t.Errorf("delivered seqs %v, want [%d %d]", got, newer.Seq, newer.Seq+1)
	}
}

func TestHub_RefreshOnTick(t *testing.T) {
	mgr := session.NewManager()
	mgr.Start()
	wsURL, _, _ := startHub(t, mgr, testInterval)

	conn := dial(t, wsURL)
	readMessage(t, conn)

	mgr.OnMeasurement(detected(300))

	// The next tick should carry the new state.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := readMessage(t, conn)
		var live display.Live
		json.Unmarshal(m.Data, &live) //nolint:errcheck
		if live.Detected && live.Speed == 3 {
			return
		}
	}
	t.Fatal("tick never broadcast the updated session")
}

func TestHub_DismissBroadcastsIdleOnce(t *testing.T) {
	mgr := session.NewManager()
	mgr.Start()
	mgr.OnMeasurement(detected(250))
	wsURL, hub, _ := startHub(t, mgr, testInterval)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	final, err := mgr.Dismiss()
	if err != nil {
		t.Fatal(err)
	}
	hub.Deliver(final)

	// Drain until the final summary, then the next tick must switch to idle.
	for {
		if m := readMessage(t, conn); m.Event == wsHub.EventFinal {
			break
		}
	}
	if m := readMessage(t, conn); m.Event != wsHub.EventIdle {
		t.Fatalf("event after dismiss: got %q, want idle", m.Event)
	}

	// Later ticks do not repeat it.
	conn.SetReadDeadline(time.Now().Add(5 * testInterval))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Errorf("unexpected message after idle: %s", raw)
	}
}

func TestHub_CountClients_MultipleClients(t *testing.T) {
	wsURL, hub, _ := startHub(t, session.NewManager(), time.Hour)

	for i := 0; i < 3; i++ {
		conn := dial(t, wsURL)
		readMessage(t, conn) // consume initial message
	}
	waitCount(t, hub, 3)
}

func TestHub_CountClients_DecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t, session.NewManager(), time.Hour)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	conn.Close()
	waitCount(t, hub, 0)
}

func TestHub_SlowClientKeepsNewest(t *testing.T) {
	mgr := session.NewManager()
	mgr.Start()
	wsURL, hub, _ := startHub(t, mgr, time.Hour)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	// Far more messages than the per-client buffer holds.
	var last session.Snapshot
	for i := 0; i < 200; i++ {
		last, _ = mgr.OnMeasurement(detected(float64(i)))
		hub.Deliver(last)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := readMessage(t, conn)
		var live display.Live
		json.Unmarshal(m.Data, &live) //nolint:errcheck
		if live.Seq == last.Seq {
			if hub.Count() != 1 {
				t.Error("slow client was disconnected")
			}
			return
		}
	}
	t.Fatal("newest snapshot never reached the client")
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t, session.NewManager(), time.Hour)

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	cancel() // signal shutdown
	waitCount(t, hub, 0)
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(session.NewManager(), display.NewConverter(0, ""), testInterval)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
