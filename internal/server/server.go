// Package server assembles the monitor: poller, event store, live hub,
// optional mirrors, health broadcast and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rufus800/challawa-np/internal/api"
	"github.com/rufus800/challawa-np/internal/config"
	"github.com/rufus800/challawa-np/internal/discovery"
	"github.com/rufus800/challawa-np/internal/health"
	"github.com/rufus800/challawa-np/internal/metrics"
	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/internal/mqtt"
	"github.com/rufus800/challawa-np/internal/plc"
	"github.com/rufus800/challawa-np/internal/redis"
	"github.com/rufus800/challawa-np/internal/store"
	"github.com/rufus800/challawa-np/internal/tracker"
	"github.com/rufus800/challawa-np/internal/websocket"
	"github.com/rufus800/challawa-np/pkg/logger"
)

// Server holds every component of the monitor
type Server struct {
	config     *config.Config
	httpServer *http.Server
	metrics    *metrics.Collector

	events    *store.SQLiteStore
	writer    *store.Writer
	tracker   *tracker.Tracker
	poller    *plc.Service
	hub       *websocket.Hub
	scorer    *health.Scorer
	mirror    *redis.Mirror
	forwarder *mqtt.Forwarder
	discovery *discovery.Service

	mu         sync.Mutex
	addr       net.Addr
	serverInfo ServerInfo
}

// ServerInfo describes the running instance
type ServerInfo struct {
	IP           string    `json:"ip"`
	Port         int       `json:"port"`
	StartTime    time.Time `json:"start_time"`
	Uptime       string    `json:"uptime"`
	Connections  int       `json:"connections"`
	Version      string    `json:"version"`
	WebSocketURL string    `json:"websocket_url"`
	APIURL       string    `json:"api_url"`
}

// NewServer builds the monitor against the configured S7 controller
func NewServer(cfg *config.Config, version string) (*Server, error) {
	return newServer(cfg, version, plc.NewS7Client(cfg))
}

func newServer(cfg *config.Config, version string, session plc.Session) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config: cfg,
		serverInfo: ServerInfo{
			StartTime: time.Now(),
			Version:   version,
			Port:      cfg.Server.Port,
		},
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(registry)

	events, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	s.events = events

	if err := s.initComponents(session); err != nil {
		events.Close()
		return nil, err
	}

	router := api.NewRouter(s.newAPIHandler(), websocket.NewHandler(s.hub),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// initComponents wires the poller to the store, the hub and the optional mirrors
func (s *Server) initComponents(session plc.Session) error {
	cfg := s.config

	s.writer = store.NewWriter(s.events, store.WriterConfig{
		QueueSize:     cfg.Store.QueueSize,
		RetryBudget:   cfg.Store.RetryBudget,
		RetryInterval: cfg.Store.RetryInterval,
	}, s.metrics)

	s.tracker = tracker.New(cfg.UnitCount,
		tracker.WithUnitNames(cfg.UnitName),
		tracker.WithAnomalyHook(s.metrics.Anomaly))
	if err := s.restoreOpenTrips(); err != nil {
		return err
	}

	s.hub = websocket.NewHub(websocket.HubConfig{
		QueueSize:           cfg.Hub.QueueSize,
		MinSnapshotInterval: cfg.Hub.MinSnapshotInterval,
	}, s.metrics)

	s.poller = plc.NewService(cfg, session, s.tracker, s.writer, s.hub, s.metrics)

	curve, err := health.NewCurve(cfg.Health.Curve, cfg.Health.TripScale, cfg.Health.DowntimeScale)
	if err != nil {
		return err
	}
	s.scorer = health.NewScorer(s.events, s.poller, curve, cfg.UnitCount, cfg.UnitName)

	if cfg.Redis.Enabled {
		s.mirror = redis.NewMirror(cfg.Redis, s.metrics)
		s.poller.RegisterSnapshotHandler(s.mirror.HandleSnapshot)
		s.poller.RegisterEventHandler(s.mirror.HandleEvent)
	}

	if cfg.MQTT.Enabled {
		s.forwarder = mqtt.NewForwarder(cfg.MQTT, s.metrics)
		s.poller.RegisterEventHandler(s.forwarder.HandleEvent)
	}

	if cfg.Discovery.Enabled {
		s.discovery = discovery.NewService(discovery.Info{
			Port:      cfg.Server.Port,
			Version:   s.serverInfo.Version,
			DBNumber:  cfg.DBNumber,
			UnitCount: cfg.UnitCount,
			PLC:       cfg.PLCAddress,
		})
	}

	return nil
}

// restoreOpenTrips reattaches trips left open by the previous run.
// Trips of units no longer configured stay open in the store.
func (s *Server) restoreOpenTrips() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	open, err := s.events.OpenEvents(ctx)
	if err != nil {
		return fmt.Errorf("loading open trips: %w", err)
	}

	known := open[:0]
	for _, ev := range open {
		if ev.UnitID < 1 || ev.UnitID > s.config.UnitCount {
			logger.Warnf("Open trip %s belongs to unit %d, which is not configured", ev.EventID, ev.UnitID)
			continue
		}
		known = append(known, ev)
	}
	if len(known) > 0 {
		logger.Infof("Restoring %d open trips", len(known))
	}
	return s.tracker.Restore(known)
}

func (s *Server) newAPIHandler() *api.Handler {
	h := api.NewHandler(s.poller, s.events, s.scorer, s.config.Health.Lookback, s.config.UnitName)
	h.AddDebugSource("server", func() any { return s.Info() })
	h.AddDebugSource("writer", func() any { return s.writer.Stats() })
	h.AddDebugSource("hub", func() any { return s.hub.Stats() })
	if s.mirror != nil {
		h.AddDebugSource("redis", func() any { return s.mirror.Stats() })
	}
	if s.forwarder != nil {
		h.AddDebugSource("mqtt", func() any { return s.forwarder.Stats() })
	}
	return h
}

// Run serves until ctx is canceled or a component fails, then shuts down:
// the poller stops and closes its session, queued trips are flushed,
// subscribers are disconnected and the HTTP server is closed.
func (s *Server) Run(ctx context.Context) error {
	defer s.events.Close()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	s.setListening(ln.Addr())

	if s.mirror != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.mirror.Ping(pingCtx); err != nil {
			logger.Warnf("Redis mirror unreachable at startup, continuing: %v", err)
		}
		cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	// Outlive gctx so the shutdown sequence below decides when they stop.
	background := context.WithoutCancel(gctx)
	hubCtx, stopHub := context.WithCancel(background)
	defer stopHub()

	pollerDone := make(chan struct{})
	g.Go(func() error {
		defer close(pollerDone)
		return s.poller.Run(gctx)
	})
	g.Go(func() error { return s.writer.Run(background) })
	g.Go(func() error { return s.hub.Run(hubCtx) })
	g.Go(func() error { return s.runHealthBroadcast(gctx) })

	if s.mirror != nil {
		g.Go(func() error { return s.mirror.Run(gctx) })
	}
	if s.forwarder != nil {
		g.Go(func() error { return s.forwarder.Run(gctx) })
	}
	if s.discovery != nil {
		g.Go(func() error { return s.discovery.Run(gctx) })
	}

	g.Go(func() error {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(pollerDone, stopHub)
	})

	s.logServerInfo()

	return g.Wait()
}

func (s *Server) shutdown(pollerDone <-chan struct{}, stopHub context.CancelFunc) error {
	logger.Info("Shutting down")
	<-pollerDone

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.writer.Close(ctx); err != nil {
		logger.Error("Trip events could not be flushed", err)
		errs = append(errs, err)
	}

	stopHub()
	s.hub.Shutdown()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown failed", err)
		errs = append(errs, err)
	}

	logger.Info("Shutdown complete")
	return errors.Join(errs...)
}

// runHealthBroadcast publishes every unit's health on a fixed interval
func (s *Server) runHealthBroadcast(ctx context.Context) error {
	interval := s.config.Health.BroadcastInterval
	if interval <= 0 {
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.broadcastHealth(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}

func (s *Server) broadcastHealth(ctx context.Context) {
	scores, err := s.scorer.ScoreAll(ctx, s.config.Health.Lookback)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Health broadcast failed", err)
		}
		return
	}
	if len(scores) == 0 {
		return
	}
	s.hub.PublishHealth(scores)
}

// Addr returns the bound HTTP address, or nil before Run has started listening
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) setListening(addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr

	ip := "localhost"
	if s.discovery != nil {
		ip = s.discovery.ServerIP()
	}
	port := s.config.Server.Port
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	s.serverInfo.IP = ip
	s.serverInfo.Port = port
	s.serverInfo.WebSocketURL = fmt.Sprintf("ws://%s:%d/ws", ip, port)
	s.serverInfo.APIURL = fmt.Sprintf("http://%s:%d/api", ip, port)
}

// Info returns the instance description shown on the debug endpoint
func (s *Server) Info() ServerInfo {
	s.mu.Lock()
	info := s.serverInfo
	s.mu.Unlock()

	info.Connections = s.hub.ClientCount()
	info.Uptime = time.Since(info.StartTime).Round(time.Second).String()
	return info
}

// Status returns the PLC link status
func (s *Server) Status() models.LinkStatus {
	return s.poller.Status()
}

// logServerInfo prints the startup banner
func (s *Server) logServerInfo() {
	info := s.Info()
	logger.Info("===============================================")
	logger.Info("        Challawa Pump Station Monitor          ")
	logger.Info("===============================================")
	logger.Infof("Version: %s", info.Version)
	logger.Infof("PLC: %s rack %d slot %d, DB%d, %d units every %s",
		s.config.PLCAddress, s.config.PLCRack, s.config.PLCSlot, s.config.DBNumber,
		s.config.UnitCount, s.config.PollInterval())
	logger.Infof("Event store: %s", s.events.Path())
	logger.Infof("WebSocket URL: %s", info.WebSocketURL)
	logger.Infof("API URL: %s", info.APIURL)
	if s.discovery != nil {
		logger.Infof("mDNS: %s.%s.%s", s.discovery.InstanceName(), discovery.ServiceType, discovery.ServiceDomain)
	}
	logger.Info("===============================================")
}
