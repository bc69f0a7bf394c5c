// Package supervisor spawns and keeps alive the services declared in the
// node manifest, and exposes each one to the chore keeper as a managed
// process carrying its declared capacity. It is the user-space "init" for
// the node's co-tenant services: every service gets its own run loop that
// restarts the process when it exits, whether it crashed on its own or was
// killed by the keeper.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/la3lma/nodee/internal/chorekeeper"
)

// restartDelay is the floor wait between a service exiting and its next
// start. It keeps a crash-looping binary from monopolising the node.
const restartDelay = 2 * time.Second

// Service is one managed service instance: the binary to run, the declared
// capacity the keeper judges it by, and the observed state the keeper and
// the control plane read.
//
// Field access is guarded by mu. The RSS and page-fault fields are written
// only by the keeper's goroutine via the chorekeeper.Process methods;
// everything else is written by the service's own run loop.
type Service struct {
	name       string
	instanceID string
	binPath    string
	args       []string
	capacity   chorekeeper.Capacity

	logger  *slog.Logger
	journal Journal

	mu       sync.Mutex
	pid      int
	running  bool
	restarts int
	lastExit time.Time

	rssPages   uint64
	pageFaults uint64
}

// Journal records lifecycle events. The concrete implementation is the
// SQLite journal; a nil Journal drops events.
type Journal interface {
	Record(ctx context.Context, service, kind string, detail map[string]any) error
}

// NewService describes a service to supervise. The binary at binPath must
// already be installed (see the artifact package); args are passed verbatim.
func NewService(name, binPath string, args []string, capacity chorekeeper.Capacity, logger *slog.Logger, journal Journal) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		name:       name,
		instanceID: uuid.NewString(),
		binPath:    binPath,
		args:       args,
		capacity:   capacity,
		logger:     logger,
		journal:    journal,
	}
}

// Name returns the manifest name of the service.
func (s *Service) Name() string { return s.name }

// PID returns the pid of the service's root process, or zero when it is not
// running. Implements chorekeeper.Process.
func (s *Service) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// SetCurrentRSS implements chorekeeper.Process.
func (s *Service) SetCurrentRSS(pages uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rssPages = pages
}

// SetPageFaults implements chorekeeper.Process.
func (s *Service) SetPageFaults(count uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageFaults = count
}

// CurrentRSS implements chorekeeper.Process.
func (s *Service) CurrentRSS() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rssPages
}

// RecentPageFaults implements chorekeeper.Process.
func (s *Service) RecentPageFaults() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageFaults
}

// Capacity implements chorekeeper.Process.
func (s *Service) Capacity() chorekeeper.Capacity { return s.capacity }

// Status is the control-plane snapshot of one service.
type Status struct {
	Name             string `json:"name"`
	InstanceID       string `json:"instance_id"`
	PID              int    `json:"pid"`
	Running          bool   `json:"running"`
	Restarts         int    `json:"restarts"`
	RSSPages         uint64 `json:"rss_pages"`
	RecentPageFaults uint64 `json:"recent_page_faults"`
	TypicalPages     uint64 `json:"typical_pages"`
	PeakPages        uint64 `json:"peak_pages"`
	Value            int    `json:"value"`
	LastExitAt       string `json:"last_exit_at,omitempty"`
}

// Status returns a consistent snapshot of the service's observable state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:             s.name,
		InstanceID:       s.instanceID,
		PID:              s.pid,
		Running:          s.running,
		Restarts:         s.restarts,
		RSSPages:         s.rssPages,
		RecentPageFaults: s.pageFaults,
		TypicalPages:     s.capacity.TypicalPages,
		PeakPages:        s.capacity.PeakPages,
		Value:            s.capacity.Value,
	}
	if !s.lastExit.IsZero() {
		st.LastExitAt = s.lastExit.UTC().Format(time.RFC3339)
	}
	return st
}

// run is the per-service init loop: start the process, wait for it to exit,
// record the exit, back off, start it again. It returns when ctx is
// cancelled; cancellation also terminates the running child via SIGTERM.
func (s *Service) run(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		if err := s.runOnce(ctx, attempt); err != nil {
			s.logger.Warn("service start failed",
				slog.String("service", s.name),
				slog.Any("error", err),
			)
			s.record(ctx, "service_start_failed", map[string]any{"error": err.Error()})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// runOnce starts the service process and blocks until it exits.
func (s *Service) runOnce(ctx context.Context, attempt int) error {
	cmd := exec.Command(s.binPath, s.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %q: %w", s.binPath, err)
	}

	s.mu.Lock()
	s.pid = cmd.Process.Pid
	s.running = true
	if attempt > 0 {
		s.restarts++
	}
	s.mu.Unlock()

	s.logger.Info("service started",
		slog.String("service", s.name),
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("attempt", attempt),
	)
	s.record(ctx, "service_started", map[string]any{
		"pid":     cmd.Process.Pid,
		"attempt": attempt,
	})

	// Forward cancellation to the child. SIGTERM first; the wait below
	// returns as soon as the child is gone either way.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
		case <-waitDone:
		}
	}()

	err := cmd.Wait()
	close(waitDone)

	s.mu.Lock()
	s.pid = 0
	s.running = false
	s.lastExit = time.Now()
	s.mu.Unlock()

	exitDetail := map[string]any{}
	if err != nil {
		exitDetail["error"] = err.Error()
	}
	s.logger.Info("service exited",
		slog.String("service", s.name),
		slog.Any("error", err),
	)
	s.record(ctx, "service_exited", exitDetail)
	return nil
}

// record writes a journal event, tolerating both a nil journal and journal
// errors: journalling never interferes with supervision.
func (s *Service) record(ctx context.Context, kind string, detail map[string]any) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, s.name, kind, detail); err != nil {
		s.logger.Warn("journal write failed",
			slog.String("service", s.name),
			slog.String("kind", kind),
			slog.Any("error", err),
		)
	}
}
