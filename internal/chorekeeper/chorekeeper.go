// Package chorekeeper implements the user-space out-of-memory supervisor of
// the nodee runner. Once per second it samples kernel memory counters and the
// full process tree from procfs, rolls descendant resource usage up into the
// managed service processes, and watches for sustained thrashing. When the
// host has been thrashing for eight consecutive cycles it selects the least
// defensible managed process and kills it with SIGKILL, on the theory that a
// deliberate, service-aware kill beats the kernel OOM killer's late and
// poorly-targeted one.
//
// # Why not the kernel OOM killer
//
// By the time the kernel acts, the node has usually been thrashing for long
// enough that every co-tenant service has missed its deadlines. The keeper
// reacts earlier, and picks its victim using the per-service capacity
// declarations (expected typical and peak RSS, an operator-assigned value)
// instead of heuristics over anonymous processes.
//
// # Concurrency
//
// The keeper is a single goroutine driven by Run. All mutations it performs
// on managed processes happen from that goroutine; the registry must not add
// or remove processes concurrently with a cycle (the supervisor hands the
// keeper a snapshot slice).
package chorekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ErrProcEnumeration is returned by Run when the process directory itself can
// no longer be listed. Per-entry failures are expected (processes exit during
// a scan) and are dropped silently; failure to enumerate the directory means
// the environment the keeper was built for is gone, so the run terminates.
var ErrProcEnumeration = errors.New("chorekeeper: cannot enumerate process directory")

// Capacity is the declared memory envelope and relative worth of a managed
// service. Memory figures are in pages, matching the units procfs reports.
type Capacity struct {
	// TypicalPages is the RSS the service is expected to hold in steady
	// state.
	TypicalPages uint64

	// PeakPages is the RSS the service may legitimately reach under load.
	// Exceeding it makes the service the preferred kill victim.
	PeakPages uint64

	// Value is the operator-assigned priority; higher means more valuable,
	// and the least valuable service is killed first when nothing exceeds
	// its declared envelope.
	Value int
}

// Process is a managed process as seen by the keeper. The supervisor owns the
// implementation; the keeper only updates the observed RSS and page-fault
// fields and reads everything else.
type Process interface {
	// PID returns the process id of the service's root process.
	PID() int

	// SetCurrentRSS records the pages resident this cycle, including all
	// descendant processes attributed to this one.
	SetCurrentRSS(pages uint64)

	// SetPageFaults records the major-fault counter observed this cycle,
	// including descendants.
	SetPageFaults(count uint64)

	// CurrentRSS returns the value most recently stored by SetCurrentRSS.
	CurrentRSS() uint64

	// RecentPageFaults returns the value most recently stored by
	// SetPageFaults.
	RecentPageFaults() uint64

	// Capacity returns the service's declared memory envelope.
	Capacity() Capacity
}

// Registry yields the current set of managed processes. Implementations must
// return a snapshot that stays stable for the duration of one keeper cycle.
type Registry interface {
	Processes() []Process
}

// Keeper is the chore-keeping supervisor. Create one with New and drive it
// with Run; the zero value is not usable.
type Keeper struct {
	registry Registry
	logger   *slog.Logger

	procDir    string
	vmstatPath string
	selfPID    int

	interval   time.Duration
	faultDelay time.Duration

	kill   func(pid int) error
	onKill func(p Process)

	// mu guards window: the keeper goroutine writes it each cycle and the
	// control plane reads it via Window.
	mu     sync.Mutex
	window thrashWindow
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithProcDir overrides the procfs root (default /proc). Used by tests to
// point the keeper at a synthetic tree.
func WithProcDir(dir string) Option {
	return func(k *Keeper) { k.procDir = dir }
}

// WithVMStatPath overrides the vmstat file (default /proc/vmstat).
func WithVMStatPath(path string) Option {
	return func(k *Keeper) { k.vmstatPath = path }
}

// WithSelfPID overrides the pid treated as the supervisor's own during the
// ancestry walk (default os.Getpid()).
func WithSelfPID(pid int) Option {
	return func(k *Keeper) { k.selfPID = pid }
}

// WithInterval overrides the one-second cycle interval. Tests use this to run
// cycles quickly; production code should leave it alone.
func WithInterval(d time.Duration) Option {
	return func(k *Keeper) { k.interval = d }
}

// WithFaultDelay overrides the extra sleep added after a swallowed cycle
// fault (default nine seconds).
func WithFaultDelay(d time.Duration) Option {
	return func(k *Keeper) { k.faultDelay = d }
}

// WithKillFunc replaces the signal delivery function. The default sends
// SIGKILL via syscall.Kill.
func WithKillFunc(kill func(pid int) error) Option {
	return func(k *Keeper) { k.kill = kill }
}

// WithKillCallback registers a hook invoked after a victim has been signalled,
// before the cool-down is applied. The supervisor uses it to journal the kill.
func WithKillCallback(fn func(p Process)) Option {
	return func(k *Keeper) { k.onKill = fn }
}

// New creates a Keeper supervising the processes exposed by registry. A nil
// logger falls back to slog.Default().
func New(registry Registry, logger *slog.Logger, opts ...Option) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	k := &Keeper{
		registry:   registry,
		logger:     logger,
		procDir:    "/proc",
		vmstatPath: "/proc/vmstat",
		selfPID:    os.Getpid(),
		interval:   time.Second,
		faultDelay: 9 * time.Second,
		kill: func(pid int) error {
			return syscall.Kill(pid, syscall.SIGKILL)
		},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Run executes the keeper loop until ctx is cancelled. Each iteration sleeps
// one second, then samples, aggregates, detects, and — under sustained
// thrashing — selects and kills a victim, strictly in that order.
//
// A fault inside a cycle (including a panic) is swallowed: the keeper logs it
// and sleeps an extra nine seconds before the next cycle, so that a transient
// environment hiccup never turns into a kill storm or a crash loop. The one
// exception is ErrProcEnumeration, which ends the run.
//
// If the host lacks a readable vmstat file or a stat file for pid 1, Run logs
// once and sleeps inertly until cancellation: the keeper never acts on a host
// whose procfs it cannot read.
func (k *Keeper) Run(ctx context.Context) error {
	if !k.capable() {
		k.logger.Warn("chorekeeper disabled: procfs not readable, sleeping inertly",
			slog.String("proc_dir", k.procDir),
			slog.String("vmstat", k.vmstatPath),
		)
		<-ctx.Done()
		return ctx.Err()
	}

	k.logger.Info("chorekeeper started",
		slog.String("proc_dir", k.procDir),
		slog.Duration("interval", k.interval),
	)

	var extra time.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(k.interval + extra):
		}
		extra = 0

		err := k.cycle()
		switch {
		case err == nil:
		case errors.Is(err, ErrProcEnumeration):
			k.logger.Error("chorekeeper: environment broken, terminating", slog.Any("error", err))
			return err
		default:
			// Swallow the fault and back off before the next cycle.
			k.logger.Warn("chorekeeper: cycle fault", slog.Any("error", err))
			extra = k.faultDelay
		}
	}
}

// capable probes the two files the keeper cannot live without: the vmstat
// counters and pid 1's stat file.
func (k *Keeper) capable() bool {
	if _, err := os.Stat(k.vmstatPath); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(k.procDir, "1", "stat")); err != nil {
		return false
	}
	return true
}

// cycle advances the pipeline once: sample, aggregate, detect, select, kill.
// A panic anywhere in the body is converted into an error so Run can apply
// the fault back-off instead of crashing.
func (k *Keeper) cycle() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chorekeeper: cycle panic: %v", r)
		}
	}()

	vm := readVMStat(k.vmstatPath)

	view, err := scanProcs(k.procDir)
	if err != nil {
		return err
	}
	rollup(view, k.selfPID)

	procs := k.registry.Processes()
	writeback(view, procs)

	k.mu.Lock()
	k.window.shift(momentaryVerdict(vm))
	sustained := k.window.sustained()
	k.mu.Unlock()
	if !sustained {
		return nil
	}

	victim := selectVictim(procs)
	if victim == nil {
		return nil
	}
	k.execute(victim)
	return nil
}

// execute signals the victim and applies the post-kill cool-down. SIGKILL
// rather than a graceful shutdown: the node is already degraded, and survivors
// need the memory back now.
func (k *Keeper) execute(victim Process) {
	k.logger.Info("chorekeeper: killing thrashing victim",
		slog.Int("pid", victim.PID()),
		slog.Uint64("rss_pages", victim.CurrentRSS()),
		slog.Uint64("recent_page_faults", victim.RecentPageFaults()),
		slog.Int("value", victim.Capacity().Value),
	)

	if err := k.kill(victim.PID()); err != nil {
		k.logger.Warn("chorekeeper: kill failed",
			slog.Int("pid", victim.PID()),
			slog.Any("error", err),
		)
	}

	if k.onKill != nil {
		k.onKill(victim)
	}

	// Clearing the newest slot suppresses further kills for at least seven
	// cycles. Survivors page their working sets back in after a kill; the
	// resulting fault burst must not trigger a chain kill.
	k.mu.Lock()
	k.window.clearLatest()
	k.mu.Unlock()
}

// Window reports the current thrash-window slots, newest first. The control
// plane exposes this for observability.
func (k *Keeper) Window() [windowSize]bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return [windowSize]bool(k.window)
}
