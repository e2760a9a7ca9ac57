package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"bolt-controller/internal/core"
	"bolt-controller/internal/scheduler"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Snapshotter supplies what a freshly connected client is sent.
type Snapshotter interface {
	Devices() []core.DeviceEvent
	Patterns() ([]string, error)
	RunningPattern() core.PatternEvent
	Schedules() map[cron.EntryID]scheduler.ScheduleEntry
}

// Server manages the HTTP and WebSocket services.
type Server struct {
	Hub        *Hub
	snapshot   Snapshotter
	commands   core.CommandChannel
	httpServer *http.Server
	log        logrus.FieldLogger

	staticFilesDir string
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewServer creates a new server instance.
func NewServer(snapshot Snapshotter, commands core.CommandChannel, port, staticFilesDir string, allowedOrigins []string, logger logrus.FieldLogger) *Server {
	log := logger.WithField("component", "server")
	hub := NewHub(log)
	go hub.Run()

	s := &Server{
		Hub:            hub,
		snapshot:       snapshot,
		commands:       commands,
		log:            log,
		staticFilesDir: staticFilesDir,
		allowedOrigins: allowedOrigins,
	}

	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(s.staticFilesDir)))
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpServer = &http.Server{Addr: net.JoinHostPort("", port), Handler: mux}

	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		s.log.Warn("WebSocket CheckOrigin is disabled.")
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// not a browser
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	s.log.Warnf("WebSocket connection blocked: Origin '%s' not in allowed list.", origin)
	return false
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// ListenEvents forwards bus events to every client until ctx is done.
func (s *Server) ListenEvents(ctx context.Context, eb *core.EventBus) {
	types := make([]core.EventType, 0, len(eventMessages))
	for t := range eventMessages {
		types = append(types, t)
	}
	sub := eb.Subscribe(types...)
	defer eb.Unsubscribe(sub, types...)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub:
			s.Hub.Broadcast(NewMessage(eventMessages[event.Type], event.Payload))
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	// 1. Bulbs and their state
	_ = conn.WriteJSON(NewMessage(MsgDeviceList, s.snapshot.Devices()))

	// 2. Pattern list
	if patterns, err := s.snapshot.Patterns(); err == nil {
		_ = conn.WriteJSON(NewMessage(MsgPatternList, patterns))
	} else {
		s.log.WithError(err).Warn("Could not list patterns")
	}

	// 3. Running pattern
	_ = conn.WriteJSON(NewMessage(MsgPatternStatus, s.snapshot.RunningPattern()))

	// 4. Schedules
	_ = conn.WriteJSON(NewMessage(MsgScheduleList, s.snapshot.Schedules()))

	if !s.Hub.add(conn) {
		return
	}
	defer s.Hub.remove(conn)

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd Command
		if err := json.Unmarshal(msgBytes, &cmd); err != nil || cmd.Type == "" {
			s.log.WithError(err).Warn("Ignoring malformed command")
			continue
		}
		select {
		case s.commands <- cmd.ToCore():
		default:
			s.log.Warnf("Command queue full, dropping command: %s", cmd.Type)
		}
	}
}
