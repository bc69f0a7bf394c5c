package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/la3lma/nodee/internal/chorekeeper"
)

// Supervisor owns the node's managed services. It implements
// chorekeeper.Registry, handing the keeper a snapshot slice so that
// writeback never races service addition or removal.
type Supervisor struct {
	logger  *slog.Logger
	journal Journal

	mu       sync.RWMutex
	services []*Service
	running  bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty Supervisor. A nil logger falls back to slog.Default().
func New(logger *slog.Logger, journal Journal) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger, journal: journal}
}

// Add registers a service. Services added after Start are picked up
// immediately.
func (sv *Supervisor) Add(svc *Service) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.services = append(sv.services, svc)
	if sv.running {
		sv.launch(svc)
	}
}

// Start launches the run loop of every registered service. Calling Start on
// a running supervisor is an error.
func (sv *Supervisor) Start(ctx context.Context) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.running {
		return fmt.Errorf("supervisor: already running")
	}
	sv.running = true

	ctx, sv.cancel = context.WithCancel(ctx)
	sv.runCtx = ctx
	for _, svc := range sv.services {
		sv.launch(svc)
	}

	sv.logger.Info("supervisor started", slog.Int("services", len(sv.services)))
	return nil
}

// launch starts one service loop. Caller holds sv.mu.
func (sv *Supervisor) launch(svc *Service) {
	ctx := sv.runCtx
	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		svc.run(ctx)
	}()
}

// Stop terminates all service processes (SIGTERM via context cancellation)
// and waits for their run loops to exit. Safe to call more than once.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	if !sv.running {
		sv.mu.Unlock()
		return
	}
	sv.running = false
	cancel := sv.cancel
	sv.mu.Unlock()

	cancel()
	sv.wg.Wait()
	sv.logger.Info("supervisor stopped")
}

// Processes implements chorekeeper.Registry: a point-in-time snapshot of the
// managed processes.
func (sv *Supervisor) Processes() []chorekeeper.Process {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make([]chorekeeper.Process, len(sv.services))
	for i, svc := range sv.services {
		out[i] = svc
	}
	return out
}

// Services returns a snapshot of the managed services for the control plane.
func (sv *Supervisor) Services() []*Service {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make([]*Service, len(sv.services))
	copy(out, sv.services)
	return out
}

// ByName returns the service with the given manifest name, or nil.
func (sv *Supervisor) ByName(name string) *Service {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	for _, svc := range sv.services {
		if svc.name == name {
			return svc
		}
	}
	return nil
}

// RecordKill journals a keeper kill against the service owning the victim's
// pid. Wired into the keeper via chorekeeper.WithKillCallback.
func (sv *Supervisor) RecordKill(p chorekeeper.Process) {
	svc, ok := p.(*Service)
	if !ok {
		return
	}
	sv.logger.Warn("service killed by chore keeper",
		slog.String("service", svc.Name()),
		slog.Int("pid", p.PID()),
		slog.Uint64("rss_pages", p.CurrentRSS()),
	)
	if sv.journal == nil {
		return
	}
	err := sv.journal.Record(context.Background(), svc.Name(), "service_killed", map[string]any{
		"pid":       p.PID(),
		"rss_pages": p.CurrentRSS(),
	})
	if err != nil {
		sv.logger.Warn("journal write failed",
			slog.String("service", svc.Name()),
			slog.Any("error", err),
		)
	}
}
