// Package server runs the selected relays, the discovery responder and the
// HTTP monitor as one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/lanrelay/internal/audio"
	"github.com/1ureka/lanrelay/internal/chat"
	"github.com/1ureka/lanrelay/internal/config"
	"github.com/1ureka/lanrelay/internal/discovery"
	"github.com/1ureka/lanrelay/internal/filetransfer"
	"github.com/1ureka/lanrelay/internal/monitor"
	"github.com/1ureka/lanrelay/internal/screen"
	"github.com/1ureka/lanrelay/internal/storage"
	"github.com/1ureka/lanrelay/internal/util"
	"github.com/1ureka/lanrelay/internal/video"
)

// relay is the lifecycle every service shares.
type relay interface {
	Listen(port int) error
	Serve() error
	Stop() error
	Addr() net.Addr
	Traffic() *util.Traffic
}

type service struct {
	name  config.Service
	port  int
	relay relay
	stats func() any
}

// Server owns every component of a running relay process.
type Server struct {
	cfg config.Config
	log *util.Logger

	services  []service
	store     *storage.Store
	discovery *discovery.Responder
	monitor   *monitor.Server

	ready chan struct{}
}

// New builds the components selected by cfg without binding any socket.
func New(cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, log: util.NewLogger("server"), ready: make(chan struct{})}

	var chatRelay *chat.Relay
	for _, name := range config.AllServices {
		if !cfg.Enabled(name) {
			continue
		}

		svc := service{name: name, port: cfg.Port(name)}
		switch name {
		case config.ServiceVideo:
			r := video.New(cfg.Host)
			svc.relay, svc.stats = r, func() any { return r.Stats() }
		case config.ServiceAudio:
			r := audio.New(cfg.Host)
			svc.relay, svc.stats = r, func() any { return r.Stats() }
		case config.ServiceChat:
			r := chat.New(cfg.Host)
			chatRelay = r
			svc.relay, svc.stats = r, func() any { return r.Stats() }
		case config.ServiceFile:
			store, err := storage.NewStore(cfg.StorageDir)
			if err != nil {
				return nil, fmt.Errorf("file relay: %w", err)
			}
			s.store = store
			r := filetransfer.New(cfg.Host, store, cfg.MaxFileSize)
			svc.relay, svc.stats = r, func() any { return r.Stats() }
		case config.ServiceScreen:
			r := screen.New(cfg.Host)
			svc.relay, svc.stats = r, func() any { return r.Stats() }
		}
		s.services = append(s.services, svc)
	}

	if cfg.DiscoveryPort > 0 {
		s.discovery = discovery.NewResponder(cfg.Host)
	}

	if cfg.MonitorPort > 0 {
		opts := monitor.Options{Host: cfg.Host, Stats: func() any { return s.Stats() }}
		if s.store != nil {
			opts.Files = s.store.List
		}
		s.monitor = monitor.New(opts)

		if chatRelay != nil {
			chatRelay.OnMessage(func(m chat.Message) { s.monitor.Publish("message", m) })
			chatRelay.OnUserList(func(users []string) { s.monitor.Publish("user_list", users) })
		}
	}

	return s, nil
}

// Ready is closed once every component is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Stats returns a snapshot of every running relay keyed by service name.
func (s *Server) Stats() map[string]any {
	out := make(map[string]any, len(s.services)+1)
	for _, svc := range s.services {
		out[string(svc.name)] = svc.stats()
	}
	if s.discovery != nil {
		out["discovery"] = map[string]int64{"probes_answered": s.discovery.Answered()}
	}
	return out
}

// Addr returns the bound address of a relay, or nil when it is not running
// or not yet bound.
func (s *Server) Addr(name config.Service) net.Addr {
	for _, svc := range s.services {
		if svc.name == name {
			return svc.relay.Addr()
		}
	}
	return nil
}

// MonitorAddr returns the bound monitor address, or nil when disabled.
func (s *Server) MonitorAddr() net.Addr {
	if s.monitor == nil {
		return nil
	}
	return s.monitor.Addr()
}

// Run binds every component, serves until ctx is cancelled or one of them
// fails, then stops them all. A bind failure stops whatever already bound.
func (s *Server) Run(ctx context.Context) error {
	type component struct {
		name  string
		serve func() error
		stop  func() error
	}
	var started []component

	stopAll := func() error {
		var errs []error
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", started[i].name, err))
			}
		}
		return errors.Join(errs...)
	}

	for _, svc := range s.services {
		if err := svc.relay.Listen(svc.port); err != nil {
			return errors.Join(fmt.Errorf("%s relay: %w", svc.name, err), stopAll())
		}
		started = append(started, component{string(svc.name), svc.relay.Serve, svc.relay.Stop})
	}
	if s.discovery != nil {
		if err := s.discovery.Listen(s.cfg.DiscoveryPort); err != nil {
			return errors.Join(fmt.Errorf("discovery: %w", err), stopAll())
		}
		started = append(started, component{"discovery", s.discovery.Serve, s.discovery.Stop})
	}
	if s.monitor != nil {
		if err := s.monitor.Listen(s.cfg.MonitorPort); err != nil {
			return errors.Join(fmt.Errorf("monitor: %w", err), stopAll())
		}
		started = append(started, component{"monitor", s.monitor.Serve, s.monitor.Stop})
	}

	s.printStatus()
	close(s.ready)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(started))
	var wg sync.WaitGroup
	for _, c := range started {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.serve(); err != nil {
				errCh <- fmt.Errorf("%s: %w", c.name, err)
				return
			}
			// A component returning early without Stop is a failure too.
			select {
			case <-runCtx.Done():
			default:
				errCh <- fmt.Errorf("%s: stopped unexpectedly", c.name)
			}
		}()
	}

	sources := make([]util.TrafficSource, 0, len(s.services))
	for _, svc := range s.services {
		sources = append(sources, util.TrafficSource{Name: string(svc.name), Traffic: svc.relay.Traffic()})
	}
	if s.cfg.StatsInterval > 0 {
		util.StartStatsReporter(runCtx, s.cfg.StatsInterval, sources)
	}
	if s.monitor != nil && s.cfg.StatsInterval > 0 {
		go s.publishStats(runCtx, s.cfg.StatsInterval)
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
	case runErr = <-errCh:
		s.log.Error("%v", runErr)
	}

	cancel()
	stopErr := stopAll()
	wg.Wait()
	return errors.Join(runErr, stopErr)
}

func (s *Server) publishStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.monitor.Publish("stats", s.Stats())
		}
	}
}

func (s *Server) printStatus() {
	rows := [][]string{{"Service", "Address", "Transport"}}
	for _, svc := range s.services {
		rows = append(rows, []string{string(svc.name), svc.relay.Addr().String(), transportOf(svc.name)})
	}
	if s.discovery != nil {
		rows = append(rows, []string{"discovery", s.discovery.Addr().String(), "udp"})
	}
	if s.monitor != nil {
		rows = append(rows, []string{"monitor", "http://" + s.monitor.Addr().String(), "http/ws"})
	}

	pterm.Println()
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		s.log.Warn("render status table: %v", err)
	}
	pterm.Println()
	util.LogSuccess("%d relay(s) running, press Ctrl+C to stop", len(s.services))
}

func transportOf(name config.Service) string {
	switch name {
	case config.ServiceVideo, config.ServiceAudio:
		return "udp"
	}
	return "tcp"
}
