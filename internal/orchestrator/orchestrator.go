// Package orchestrator assembles the daemon: storage, multiplexer
// driver, viewer supervisor, session manager, agent runtime, hook
// ingestion, notifications, and the gateway, wired over one event bus.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/orka/internal/agents"
	"github.com/nextlevelbuilder/orka/internal/bus"
	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/internal/gateway"
	"github.com/nextlevelbuilder/orka/internal/hooks"
	httpapi "github.com/nextlevelbuilder/orka/internal/http"
	"github.com/nextlevelbuilder/orka/internal/mux"
	"github.com/nextlevelbuilder/orka/internal/notify"
	"github.com/nextlevelbuilder/orka/internal/policy"
	"github.com/nextlevelbuilder/orka/internal/ports"
	"github.com/nextlevelbuilder/orka/internal/sessions"
	"github.com/nextlevelbuilder/orka/internal/store"
	"github.com/nextlevelbuilder/orka/internal/tracing"
	"github.com/nextlevelbuilder/orka/internal/viewer"
	"github.com/nextlevelbuilder/orka/pkg/protocol"
)

// sweepInterval is how often reserved-but-dead viewer ports are
// reclaimed.
const sweepInterval = 5 * time.Minute

// Orchestrator owns every long-lived component of the daemon.
type Orchestrator struct {
	cfg     *config.Config
	cfgPath string

	bus      *bus.Bus
	persist  *store.Store
	driver   *mux.Driver
	ports    *ports.Allocator
	viewers  *viewer.Supervisor
	sessions *sessions.Manager

	agentStore *agents.Store
	runtime    *agents.Runtime
	ingestor   *hooks.Ingestor
	notifier   *notify.Dispatcher

	gateway *gateway.Server
}

// New wires all components. cfgPath enables hot reload and may be empty.
func New(cfg *config.Config, cfgPath string) (*Orchestrator, error) {
	b := bus.New()

	persist, err := store.NewStore(cfg.StorageRoot())
	if err != nil {
		return nil, err
	}

	driver := mux.NewDriver(cfg.Mux.Binary, mux.WithTimeout(cfg.MuxTimeout()))
	allocator := ports.NewAllocator(cfg.Ports.Min, cfg.Ports.Max)
	viewers := viewer.NewSupervisor(
		cfg.Viewer.Binary,
		cfg.Mux.Binary,
		cfg.Viewer.MaxRestarts,
		time.Duration(cfg.Viewer.StopTimeoutMs)*time.Millisecond,
		b,
	)
	mgr := sessions.NewManager(persist, driver, viewers, allocator, b, cfg)
	viewers.OnDown = mgr.MarkViewerDown

	agentStore, err := agents.NewStore(persist)
	if err != nil {
		return nil, err
	}
	notifier := notify.FromConfig(cfg.Notify)
	runtime, err := agents.NewRuntime(agentStore, driver, policy.NewLLMPolicy(cfg.Policy), persist, b, cfg, notifier)
	if err != nil {
		return nil, err
	}
	ingestor := hooks.NewIngestor(agentStore, runtime, b, cfg.Gateway.RateLimitRPM)

	token := cfg.Gateway.Token
	gw := gateway.NewServer(cfg, b,
		httpapi.NewSessionsHandler(mgr, token),
		httpapi.NewAgentsHandler(agentStore, runtime, mgr, persist, token),
		httpapi.NewHooksHandler(ingestor),
	)

	return &Orchestrator{
		cfg:        cfg,
		cfgPath:    cfgPath,
		bus:        b,
		persist:    persist,
		driver:     driver,
		ports:      allocator,
		viewers:    viewers,
		sessions:   mgr,
		agentStore: agentStore,
		runtime:    runtime,
		ingestor:   ingestor,
		notifier:   notifier,
		gateway:    gw,
	}, nil
}

// Sessions exposes the session manager (used by the doctor command).
func (o *Orchestrator) Sessions() *sessions.Manager { return o.sessions }

// Bus exposes the event bus.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Run brings the daemon up and blocks until the context is cancelled.
// Boot order: telemetry, reconcile durable state against the live
// multiplexer, resume agent loops, then serve.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := tracing.Init(ctx, o.cfg.Telemetry); err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}

	if err := o.sessions.Reconcile(ctx); err != nil {
		slog.Warn("reconcile incomplete", "error", err)
	}
	o.runtime.StartAll()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.gateway.Start(gctx)
	})
	g.Go(func() error {
		o.ports.Sweep(gctx, sweepInterval)
		return nil
	})
	if o.cfgPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, o.cfgPath, o.cfg, o.onConfigReload)
		})
	}

	err := g.Wait()
	o.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// onConfigReload reapplies the parts of the config that components
// snapshot at construction time.
func (o *Orchestrator) onConfigReload() {
	if err := o.runtime.RefreshEngine(); err != nil {
		slog.Error("capture engine not refreshed", "error", err)
		return
	}
	slog.Info("configuration reloaded")
}

func (o *Orchestrator) shutdown() {
	slog.Info("shutting down")
	o.bus.Broadcast(bus.Event{Name: protocol.EventShutdown})
	o.runtime.StopAll()
	o.viewers.StopAll()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(flushCtx); err != nil {
		slog.Warn("trace flush failed", "error", err)
	}
}
