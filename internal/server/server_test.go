package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bolt-controller/internal/core"
	"bolt-controller/internal/scheduler"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSnapshot struct{}

func (stubSnapshot) Devices() []core.DeviceEvent {
	return []core.DeviceEvent{{DeviceID: "AA:BB", Name: "MFBOLT"}}
}

func (stubSnapshot) Patterns() ([]string, error) { return []string{"rainbow.lua"}, nil }

func (stubSnapshot) RunningPattern() core.PatternEvent {
	return core.PatternEvent{DeviceID: "AA:BB", Pattern: "rainbow.lua"}
}

func (stubSnapshot) Schedules() map[cron.EntryID]scheduler.ScheduleEntry {
	return map[cron.EntryID]scheduler.ScheduleEntry{1: {Spec: "@daily", Command: "power * off"}}
}

type serverFixture struct {
	server   *Server
	http     *httptest.Server
	commands core.CommandChannel
	wsURL    string
}

func newServerFixture(t *testing.T, origins ...string) *serverFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	f := &serverFixture{commands: make(core.CommandChannel, 4)}
	f.server = NewServer(stubSnapshot{}, f.commands, "0", t.TempDir(), origins, logger)
	f.http = httptest.NewServer(f.server.Handler())
	f.wsURL = "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	t.Cleanup(func() {
		f.http.Close()
		f.server.Hub.Stop()
	})
	return f
}

func (f *serverFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg.Type
}

func TestInitialSnapshot(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	var types []string
	for i := 0; i < 4; i++ {
		types = append(types, readType(t, conn))
	}
	assert.Equal(t, []string{MsgDeviceList, MsgPatternList, MsgPatternStatus, MsgScheduleList}, types)
}

func TestCommandsReachChannel(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    "setBrightness",
		"device":  "AA:BB",
		"payload": map[string]interface{}{"value": 40},
	}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "setPower", "payload": map[string]interface{}{"isOn": true}}))

	select {
	case cmd := <-f.commands:
		assert.Equal(t, core.CmdSetBrightness, cmd.Type)
		assert.Equal(t, "AA:BB", cmd.DeviceID)
		assert.Equal(t, 40.0, cmd.Payload["value"])
	case <-time.After(2 * time.Second):
		t.Fatal("command not delivered")
	}
	select {
	case cmd := <-f.commands:
		assert.Equal(t, core.AllDevices, cmd.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("command not delivered")
	}
}

func TestEventsAreBroadcast(t *testing.T) {
	f := newServerFixture(t)
	bus := core.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.ListenEvents(ctx, bus)

	conn := f.dial(t)
	for i := 0; i < 4; i++ {
		readType(t, conn)
	}
	require.Eventually(t, func() bool { return f.server.Hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	// the subscription is set up asynchronously, so keep publishing until it lands
	done := make(chan string, 1)
	go func() {
		var msg struct {
			Type string `json:"type"`
		}
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			done <- "read error: " + err.Error()
			return
		}
		done <- msg.Type
	}()
	require.Eventually(t, func() bool {
		bus.Publish(core.Event{Type: core.StateChangedEvent, Payload: core.DeviceEvent{DeviceID: "AA:BB"}})
		select {
		case typ := <-done:
			assert.Equal(t, MsgDeviceState, typ)
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOriginCheck(t *testing.T) {
	f := newServerFixture(t, "http://localhost:8080")

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"http://LOCALHOST:8080"}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, header)
	require.NoError(t, err)
	conn.Close()
}

func TestCommandToCore(t *testing.T) {
	cmd := Command{Type: "stopPattern"}.ToCore()

	assert.Equal(t, core.CmdStopPattern, cmd.Type)
	assert.Equal(t, core.AllDevices, cmd.DeviceID)
	assert.NotNil(t, cmd.Payload)
}
