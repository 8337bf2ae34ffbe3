package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/miravisor/slotsync/internal/config"
	"github.com/miravisor/slotsync/internal/connection"
	"github.com/miravisor/slotsync/internal/reconcile"
	"github.com/miravisor/slotsync/internal/reservation"
	"github.com/miravisor/slotsync/internal/slot"
)

// frame is an intent received by the mock slot server.
type frame struct {
	conn  int
	event string
	data  map[string]any
}

// slotServer is a mock real-time server that records client intents and
// pushes events to every connected client.
type slotServer struct {
	*httptest.Server

	frames chan frame

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newSlotServer(t *testing.T) *slotServer {
	t.Helper()
	s := &slotServer{frames: make(chan frame, 100)}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		idx := len(s.conns) - 1
		s.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env connection.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			f := frame{conn: idx, event: env.Event}
			json.Unmarshal(env.Data, &f.data)
			s.frames <- f
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *slotServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *slotServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// pushAll writes an event to every connected client.
func (s *slotServer) pushAll(t *testing.T, event, data string) {
	t.Helper()
	msg := []byte(`{"event":"` + event + `","data":` + data + `}`)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			t.Logf("push %s: %v", event, err)
		}
	}
}

// next returns the next intent with one of the given event names, skipping others.
func (s *slotServer) next(t *testing.T, events ...string) frame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f := <-s.frames:
			for _, e := range events {
				if f.event == e {
					return f
				}
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %v", events)
			return frame{}
		}
	}
}

func testConfig(url string) config.Config {
	cfg := config.Config{
		Realtime:  config.RealtimeConfig{URL: url},
		Providers: []string{"prov-1"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func startSession(t *testing.T, srv *slotServer, id string) *Session {
	t.Helper()
	cfg := testConfig(srv.url())
	cfg.Session.ID = id

	s, err := New(cfg, Deps{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })

	if err := s.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected failed: %v", err)
	}
	if f := srv.next(t, connection.EventJoinRoom); f.data["providerId"] != "prov-1" {
		t.Fatalf("join-room data = %v", f.data)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_ReserveConfirmed(t *testing.T) {
	srv := newSlotServer(t)
	s := startSession(t, srv, "kiosk-1")
	ctx := context.Background()

	if err := s.Reserve(ctx, "s1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	f := srv.next(t, connection.EventReserveSlot)
	if f.data["slotId"] != "s1" || f.data["duration"] != float64(300000) {
		t.Errorf("reserve-slot data = %v", f.data)
	}

	srv.pushAll(t, "slot-reservation-confirmed", `{"slotId":"s1"}`)

	waitFor(t, "confirmation", func() bool {
		h, ok := s.Controller().Current()
		return ok && h.Phase == reservation.PhaseConfirmed
	})
	sl, ok := s.Store().Get("s1")
	if !ok || !sl.Info.IsReserved || sl.Info.CanBeReserved {
		t.Errorf("slot = %+v, %v", sl, ok)
	}
}

func TestSession_TwoClientsSameSlot(t *testing.T) {
	srv := newSlotServer(t)
	a := startSession(t, srv, "client-a")
	b := startSession(t, srv, "client-b")
	waitFor(t, "both connections", func() bool { return srv.connCount() == 2 })

	notesA, cancelA := a.Notices()
	defer cancelA()
	notesB, cancelB := b.Notices()
	defer cancelB()

	if err := a.Reserve(context.Background(), "s1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	srv.next(t, connection.EventReserveSlot)

	srv.pushAll(t, "slot-reserved", `{"slotId":"s1"}`)

	select {
	case n := <-notesB:
		if n.Kind != reconcile.NoticeSlotTaken || n.SlotID != "s1" {
			t.Errorf("client b notice = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client b saw no taken notice")
	}

	sl, _ := b.Store().Get("s1")
	if sl.Status != slot.StatusReserved || sl.Info.CanBeReserved {
		t.Errorf("client b slot = %+v", sl)
	}

	waitFor(t, "client a confirmation", func() bool {
		h, ok := a.Controller().Current()
		return ok && h.Phase == reservation.PhaseConfirmed
	})
	select {
	case n := <-notesA:
		t.Errorf("client a got notice %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_ReleaseBeforeReserve(t *testing.T) {
	srv := newSlotServer(t)
	s := startSession(t, srv, "kiosk-1")
	ctx := context.Background()

	s.Reserve(ctx, "s1")
	s.Reserve(ctx, "s2")

	var got []string
	for i := 0; i < 3; i++ {
		f := srv.next(t, connection.EventReserveSlot, connection.EventReleaseSlot)
		got = append(got, f.event+":"+f.data["slotId"].(string))
	}

	want := []string{"reserve-slot:s1", "release-slot:s1", "reserve-slot:s2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("intents = %v, want %v", got, want)
	}
}

func TestSession_BookedWhileHeld(t *testing.T) {
	srv := newSlotServer(t)
	s := startSession(t, srv, "kiosk-1")

	s.Reserve(context.Background(), "s1")
	srv.next(t, connection.EventReserveSlot)

	srv.pushAll(t, "slot-booked", `{"slotId":"s1"}`)

	waitFor(t, "booking", func() bool {
		return s.Store().Status("s1") == slot.StatusBooked
	})
	if s.Controller().Selected("s1") {
		t.Error("hold survived booking")
	}
}

func TestSession_StopReleasesOnce(t *testing.T) {
	srv := newSlotServer(t)
	s := startSession(t, srv, "kiosk-1")
	ctx := context.Background()

	s.Reserve(ctx, "s1")
	srv.next(t, connection.EventReserveSlot)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	f := srv.next(t, connection.EventReleaseSlot, connection.EventLeaveRoom)
	if f.event != connection.EventReleaseSlot || f.data["slotId"] != "s1" {
		t.Errorf("first teardown intent = %s %v, want release-slot s1", f.event, f.data)
	}
	if f := srv.next(t, connection.EventLeaveRoom); f.data["providerId"] != "prov-1" {
		t.Errorf("leave-room data = %v", f.data)
	}

	select {
	case f := <-srv.frames:
		if f.event == connection.EventReleaseSlot {
			t.Errorf("extra release-slot after teardown: %v", f.data)
		}
	case <-time.After(100 * time.Millisecond):
	}

	if err := s.Reserve(ctx, "s2"); !errors.Is(err, reservation.ErrClosed) {
		t.Errorf("Reserve after Stop err = %v, want ErrClosed", err)
	}
	if got := s.Manager().State(); got != connection.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestSession_StartTwice(t *testing.T) {
	srv := newSlotServer(t)
	s := startSession(t, srv, "kiosk-1")

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestSession_GeneratesID(t *testing.T) {
	s, err := New(testConfig("ws://127.0.0.1:1"), Deps{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(s.ID()) != 36 {
		t.Errorf("ID = %q, want a uuid", s.ID())
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start failed: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop err = %v, want ErrStopped", err)
	}
}

// refusingManager is a real manager whose Connect always fails.
type refusingManager struct {
	connection.Manager
}

func (refusingManager) Connect(ctx context.Context) error {
	return errors.New("connect refused")
}

func TestSession_StartUnwindsOnConnectError(t *testing.T) {
	mgr := refusingManager{connection.NewManager(connection.DefaultManagerConfig(), nil)}
	s, err := New(testConfig("ws://127.0.0.1:1"), Deps{Manager: mgr})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "connect refused") {
		t.Fatalf("Start err = %v, want connect error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipeline goroutines still running after failed Start")
	}

	if s.writer.Load() != nil || s.pool != nil {
		t.Error("journal left open after failed Start")
	}
	if err := s.Reserve(context.Background(), "s1"); !errors.Is(err, reservation.ErrClosed) {
		t.Errorf("Reserve err = %v, want ErrClosed", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("second Start err = %v, want ErrStopped", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop after failed Start: %v", err)
	}
}

func TestSession_BadTokenPath(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Realtime.TokenPath = "/nonexistent/token"

	if _, err := New(cfg, Deps{}); err == nil || !strings.Contains(err.Error(), "load credentials") {
		t.Errorf("err = %v, want credentials error", err)
	}
}
