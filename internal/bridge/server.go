package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/teukurijal/attendance-apps/internal/auth"
	"github.com/teukurijal/attendance-apps/internal/config"
	"github.com/teukurijal/attendance-apps/internal/health"
	"github.com/teukurijal/attendance-apps/internal/lifecycle"
	"github.com/teukurijal/attendance-apps/internal/location"
	"github.com/teukurijal/attendance-apps/internal/store"
	"github.com/teukurijal/attendance-apps/internal/tracker"
	"github.com/teukurijal/attendance-apps/internal/uplink"
)

// Server hosts the bridge WebSocket endpoint and the health route. One web
// shell connects at a time; a newer connection replaces the previous one.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	gate    *auth.Gate
	sampler *location.Sampler
	uplink  *uplink.Uplink
	checker *health.Checker

	// bound after construction, once the tracker exists
	tracker   *tracker.Controller
	lifecycle *lifecycle.Coordinator

	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	httpSrv *http.Server
	mdns    *mdnsAdvertiser
}

func NewServer(cfg *config.Config, st *store.Store, gate *auth.Gate, sampler *location.Sampler, up *uplink.Uplink) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		gate:    gate,
		sampler: sampler,
		uplink:  up,
		upgrader: websocket.Upgrader{
			// the shell connects from a local webview origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.checker = health.New(s.healthDetail)
	return s
}

// Bind attaches the tracker and lifecycle coordinator. Must be called before
// Start; the tracker is constructed after the server because the server is
// its notifier.
func (s *Server) Bind(tc *tracker.Controller, lc *lifecycle.Coordinator) {
	s.tracker = tc
	s.lifecycle = lc
	lc.SetReminderNotify(func(hour, minute int) {
		s.Push(ReminderDue(hour, minute))
	})
}

// Router mounts the bridge and health routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/bridge", s.handleBridge)
	r.HandleFunc("/health", s.checker.Handler()).Methods(http.MethodGet)
	return r
}

// Start serves the bridge endpoint until Shutdown.
func (s *Server) Start() <-chan error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Bridge.ListenAddr,
		Handler: s.Router(),
	}
	s.checker.SetRunning(true)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Bridge.ListenAddr).Msg("bridge server started")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if s.cfg.Bridge.EnableMDNS {
		adv, err := startMDNS(s.cfg.Bridge.ListenAddr)
		if err != nil {
			log.Warn().Err(err).Msg("mdns advertisement failed")
		} else {
			s.mdns = adv
		}
	}
	return errCh
}

// Shutdown closes the client connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) {
	s.checker.SetRunning(false)
	if s.mdns != nil {
		s.mdns.stop()
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("bridge server shutdown")
		}
	}
}

func (s *Server) healthDetail() map[string]any {
	detail := map[string]any{
		"online":  !s.uplink.Offline(),
		"pending": s.uplink.PendingCount(),
	}
	if s.tracker != nil {
		snap := s.tracker.Snapshot()
		detail["tracking"] = snap.IsActive
		detail["state"] = snap.State.String()
	}
	return detail
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("bridge upgrade failed")
		return
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("web shell connected")
	s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Msg("web shell disconnected")
			return
		}

		msg, err := Parse(data)
		if err != nil {
			// malformed frames never crash the bridge
			log.Warn().Err(err).Str("raw", truncateFrame(data)).Msg("dropping bridge frame")
			continue
		}
		s.dispatch(msg)
	}
}

// Push sends one message to the connected shell. Dropped with a log line
// when nothing is connected.
func (s *Server) Push(msg Message) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		log.Debug().Str("kind", string(msg.Kind())).Msg("no shell connected, message dropped")
		return
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Str("kind", string(msg.Kind())).Msg("bridge write failed")
	}
}

// tracker.Notifier

func (s *Server) TrackingStarted() { s.Push(TrackingEvent(KindTrackingStarted, "")) }
func (s *Server) TrackingStopped() { s.Push(TrackingEvent(KindTrackingStopped, "")) }

func (s *Server) TrackingError(reason string) {
	s.Push(TrackingEvent(KindTrackingError, reason))
}

func (s *Server) LocationUpdate(sample location.Sample) {
	s.Push(LocationData(sample.Latitude, sample.Longitude, sample.Accuracy, sample.CapturedAt))
}

func (s *Server) LocationError(code, message string) {
	s.Push(LocationError(code, message))
}

// integrity.Notifier

func (s *Server) MockLocationVerdict(suspected bool) {
	s.Push(FakeGPSVerdict(suspected, s.cfg.Agent.Platform))
}

func truncateFrame(data []byte) string {
	const max = 120
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
