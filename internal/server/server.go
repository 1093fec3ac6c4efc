// Package server assembles the subsystems in dependency order, owns their
// lifecycle, and mounts the HTTP surface. Feature flags gate construction:
// a disabled subsystem is simply nil and its routes answer with the stable
// *_DISABLED code.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/dorkos-sh/dorkos/internal/agent"
	"github.com/dorkos-sh/dorkos/internal/boundary"
	"github.com/dorkos-sh/dorkos/internal/broadcast"
	"github.com/dorkos-sh/dorkos/internal/config"
	"github.com/dorkos-sh/dorkos/internal/httpapi"
	"github.com/dorkos-sh/dorkos/internal/ids"
	"github.com/dorkos-sh/dorkos/internal/mcptools"
	"github.com/dorkos-sh/dorkos/internal/mesh"
	"github.com/dorkos-sh/dorkos/internal/pulse"
	"github.com/dorkos-sh/dorkos/internal/relay"
	"github.com/dorkos-sh/dorkos/internal/runtime"
	"github.com/dorkos-sh/dorkos/internal/transcript"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

// Product is the name advertised to the runtime and the MCP tools.
const Product = "DorkOS"

// Server owns every subsystem and the HTTP listener.
type Server struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	guard    *boundary.Guard
	reader   *transcript.Reader
	manager  *agent.Manager
	bus      *relay.Relay
	trace    *relay.TraceStore
	bindings *relay.BindingStore
	adapters *relay.AdapterRegistry
	registry *mesh.Registry
	store    *pulse.Store
	sched    *pulse.Scheduler
	caster   *broadcast.Broadcaster
	tools    *mcptools.Registry
	mux      *http.ServeMux

	listener   net.Listener
	httpServer *http.Server
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

// New wires the subsystems bottom-up: ids and guard, transcript and
// runtime, mesh, relay, agent manager, pulse, broadcast, MCP tools, HTTP.
func New(cfg *config.Config, version string) (*Server, error) {
	logger := slog.Default()
	s := &Server{cfg: cfg, version: version, logger: logger.With("component", "server")}

	gen := ids.NewGenerator()
	guard, err := boundary.New(cfg.Boundary)
	if err != nil {
		return nil, fmt.Errorf("boundary guard: %w", err)
	}
	s.guard = guard
	s.reader = transcript.NewReader(cfg.TranscriptRoot)
	rt := runtime.NewCLIRuntime(cfg.RuntimeBin, logger)

	if cfg.MeshEnabled {
		s.registry, err = mesh.NewRegistry(cfg.MeshDB(), gen, guard, logger)
		if err != nil {
			return nil, s.fail(fmt.Errorf("mesh registry: %w", err))
		}
	}

	if cfg.RelayEnabled {
		s.trace, err = relay.NewTraceStore(cfg.TracesDB(), gen, logger)
		if err != nil {
			return nil, s.fail(fmt.Errorf("trace store: %w", err))
		}
		var access relay.AccessFunc
		if s.registry != nil {
			access = s.registry.SubjectAllowed
		}
		s.bus = relay.New(relay.Options{IDs: gen, Logger: logger, Trace: s.trace, Access: access})

		s.bindings, err = relay.NewBindingStore(cfg.BindingsDB(), logger)
		if err != nil {
			return nil, s.fail(fmt.Errorf("binding store: %w", err))
		}
		s.adapters = relay.NewAdapterRegistry(cfg.AdaptersFile(), logger)

		if s.registry != nil {
			s.registry.SetEndpoints(s.bus)
		}
	}

	var identity agent.IdentityLookup
	if s.registry != nil {
		identity = s.registry.IdentityLookup
	}
	hostname, _ := os.Hostname()
	s.manager = agent.NewManager(agent.Options{
		Runtime:     rt,
		Guard:       guard,
		DefaultCwd:  cfg.DefaultCwd,
		MaxSessions: cfg.MaxSessions,
		Logger:      logger,
		Identity:    identity,
		EnvInfo: agent.EnvInfo{
			Product:   Product,
			Version:   version,
			Port:      cfg.Port,
			Platform:  goruntime.GOOS,
			OSVersion: osVersion(),
			Runtime:   goruntime.Version(),
			Hostname:  hostname,
		},
	})

	if s.adapters != nil {
		bridge := relay.NewBridge(s.bus, s.bindings, s.bridgeSend, logger)
		s.adapters.SetIngress(bridge.Ingress())
	}

	if cfg.PulseEnabled {
		s.store, err = pulse.NewStore(cfg.PulseDB(), gen, logger)
		if err != nil {
			return nil, s.fail(fmt.Errorf("pulse store: %w", err))
		}
		s.sched = pulse.NewScheduler(s.store, s.manager.SendMessage, logger)
		if s.bus != nil {
			if err := s.sched.SetBus(s.bus); err != nil {
				return nil, s.fail(fmt.Errorf("pulse relay dispatch: %w", err))
			}
		}
	}

	if s.registry != nil {
		s.registry.SetTopologyDeps(mesh.TopologyDeps{
			AdapterIDs:    s.adapterIDsFor,
			ScheduleCount: s.scheduleCountFor,
			RelayEnabled:  s.bus != nil,
		})
	}

	s.caster, err = broadcast.New(s.reader.Root(), logger)
	if err != nil {
		return nil, s.fail(fmt.Errorf("broadcast watcher: %w", err))
	}

	s.tools = s.buildTools()
	s.manager.SetMCPFactory(s.tools.ServerConfigs)

	api := httpapi.New(httpapi.Options{
		Config:   cfg,
		Logger:   logger,
		Reader:   s.reader,
		Manager:  s.manager,
		Caster:   s.caster,
		Relay:    s.bus,
		Adapters: s.adapters,
		Bindings: s.bindings,
		Mesh:     s.registry,
		Pulse:    s.store,
		Sched:    s.sched,
	})
	s.mux = http.NewServeMux()
	api.RegisterRoutes(s.mux)
	s.mux.Handle("/mcp", s.tools)

	return s, nil
}

// buildTools registers the MCP tool groups each enabled subsystem
// contributes.
func (s *Server) buildTools() *mcptools.Registry {
	reg := mcptools.NewRegistry(s.version, s.logger)
	reg.Register("dorkos", mcptools.Core(mcptools.CoreDeps{
		Product:      Product,
		Version:      s.version,
		Port:         s.cfg.Port,
		StartedAt:    time.Now(),
		SessionCount: s.manager.SessionCount,
		CurrentAgent: s.currentAgent,
	})...)
	if s.bus != nil {
		reg.Register("relay", s.bus.MCPTools()...)
	}
	if s.adapters != nil {
		reg.Register("relay", s.adapters.MCPTools()...)
	}
	if s.bindings != nil {
		reg.Register("relay", s.bindings.MCPTools()...)
	}
	if s.registry != nil {
		reg.Register("mesh", s.registry.MCPTools()...)
	}
	if s.sched != nil {
		reg.Register("pulse", s.sched.MCPTools()...)
	}
	return reg
}

// osVersion reports the kernel release, falling back to the bare platform
// name where /proc is unavailable.
func osVersion() string {
	if b, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		if v := strings.TrimSpace(string(b)); v != "" {
			return v
		}
	}
	return goruntime.GOOS
}

// bridgeSend adapts the agent manager to the relay bridge's send shape.
func (s *Server) bridgeSend(ctx context.Context, sessionKey, content, cwd string) (<-chan transport.StreamEvent, error) {
	return s.manager.SendMessage(ctx, sessionKey, content, agent.SendOptions{Cwd: cwd})
}

func (s *Server) currentAgent(cwd string) (id, name string, ok bool) {
	if s.registry == nil {
		return "", "", false
	}
	a, err := s.registry.GetByPath(cwd)
	if err != nil {
		return "", "", false
	}
	return a.ID, a.Name, true
}

// adapterIDsFor joins bindings to an agent for the topology view.
func (s *Server) adapterIDsFor(agentID string) []string {
	out := []string{}
	if s.bindings == nil {
		return out
	}
	bindings, err := s.bindings.GetAll()
	if err != nil {
		return out
	}
	seen := map[string]bool{}
	for _, b := range bindings {
		if b.AgentID == agentID && !seen[b.AdapterID] {
			seen[b.AdapterID] = true
			out = append(out, b.AdapterID)
		}
	}
	return out
}

func (s *Server) scheduleCountFor(cwd string) int {
	if s.store == nil {
		return 0
	}
	return s.store.SchedulesForCwd(cwd)
}

// Start binds the listener, hands the runtime its callback base URL, and
// launches the background loops. It does not block.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port
	s.tools.SetBaseURL(fmt.Sprintf("http://127.0.0.1:%d", port))

	s.manager.StartHealthSweep(ctx, time.Minute)
	if s.trace != nil {
		s.trace.StartPruner(ctx, time.Hour)
	}
	if s.registry != nil {
		s.registry.StartHealthMonitor(ctx, 30*time.Second)
	}
	if s.adapters != nil {
		if err := s.adapters.Reload(ctx); err != nil {
			s.logger.Warn("server.adapters.initial_load", "error", err)
		}
		if err := s.adapters.StartWatcher(ctx); err != nil {
			s.logger.Warn("server.adapters.watch", "error", err)
		}
	}
	if s.sched != nil {
		s.sched.Start(ctx)
	}

	s.httpServer = &http.Server{Handler: s.mux}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server.http.serve", "error", err)
		}
	}()

	s.logger.Info("server.started", "port", port,
		"pulse", s.store != nil, "relay", s.bus != nil, "mesh", s.registry != nil)
	return nil
}

// Port returns the bound port, valid after Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return s.cfg.Port
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown stops everything in reverse dependency order. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	var first error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil && first == nil {
				first = err
			}
		}
		first = firstErr(first, s.closeAll())
		s.logger.Info("server.stopped")
	})
	return first
}

// fail tears down partially-built state on a construction error.
func (s *Server) fail(err error) error {
	s.closeAll()
	return err
}

func (s *Server) closeAll() error {
	var first error
	if s.caster != nil {
		first = firstErr(first, s.caster.Close())
	}
	if s.adapters != nil {
		first = firstErr(first, s.adapters.Close())
	}
	if s.store != nil {
		first = firstErr(first, s.store.Close())
	}
	if s.registry != nil {
		first = firstErr(first, s.registry.Close())
	}
	if s.bindings != nil {
		first = firstErr(first, s.bindings.Close())
	}
	if s.trace != nil {
		first = firstErr(first, s.trace.Close())
	}
	return first
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
