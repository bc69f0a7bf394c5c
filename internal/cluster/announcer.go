// Package cluster announces the node's membership in ZooKeeper. Each nodee
// instance registers an ephemeral znode under a shared parent path; the znode
// carries a JSON payload describing the node and disappears automatically
// when the node (or its session) dies, so the cluster's view of live nodes is
// simply the children of the parent path.
//
// Membership is advisory: nodee supervises its services and runs the chore
// keeper exactly the same with ZooKeeper disabled or unreachable.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
)

// Announcement is the JSON payload stored in the node's ephemeral znode.
type Announcement struct {
	// Hostname identifies the node; it is also the znode's name.
	Hostname string `json:"hostname"`

	// ControlAddr is the listen address of the node's HTTP control plane.
	ControlAddr string `json:"control_addr"`

	// Services lists the manifest names of the services this node runs.
	Services []string `json:"services"`

	// StartedAt is when the runner came up.
	StartedAt time.Time `json:"started_at"`
}

// Announcer maintains the node's ephemeral znode across ZooKeeper session
// changes. Create one with New, then Start/Stop it around the runner's
// lifetime.
type Announcer struct {
	servers        []string
	parent         string
	sessionTimeout time.Duration
	payload        Announcement
	logger         *slog.Logger

	mu     sync.Mutex
	conn   *zk.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Announcer registering payload under parent on the given
// ensemble. A nil logger falls back to slog.Default().
func New(servers []string, parent string, sessionTimeout time.Duration, payload Announcement, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		servers:        servers,
		parent:         parent,
		sessionTimeout: sessionTimeout,
		payload:        payload,
		logger:         logger,
	}
}

// NodePath returns the full path of this node's znode.
func (a *Announcer) NodePath() string {
	return a.parent + "/" + a.payload.Hostname
}

// Start connects to the ensemble and begins maintaining the registration in
// the background. The initial connection is asynchronous: Start returns once
// the client is dialing, and registration happens (and re-happens) whenever a
// session is established.
//
// Calling Start on a running announcer is a no-op.
func (a *Announcer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return nil // already running
	}

	conn, events, err := zk.Connect(a.servers, a.sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return fmt.Errorf("cluster: connect to %v: %w", a.servers, err)
	}
	a.conn = conn

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go a.maintain(ctx, conn, events)

	a.logger.Info("cluster announcer started",
		slog.String("path", a.NodePath()),
		slog.Any("servers", a.servers),
	)
	return nil
}

// Stop deregisters by closing the ZooKeeper connection (which removes the
// ephemeral znode) and waits for the background loop to exit. Safe to call
// multiple times.
func (a *Announcer) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	conn := a.conn
	a.cancel = nil
	a.conn = nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
	conn.Close()
	a.logger.Info("cluster announcer stopped", slog.String("path", a.NodePath()))
}

// maintain re-registers the znode every time the client (re-)establishes a
// session. The zk client reconnects on its own; this loop only has to redo
// the ephemeral registration, with backoff when ZooKeeper is reachable but
// unhappy.
func (a *Announcer) maintain(ctx context.Context, conn *zk.Conn, events <-chan zk.Event) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.State != zk.StateHasSession {
				continue
			}
			if err := a.registerWithRetry(ctx, conn); err != nil {
				a.logger.Warn("cluster registration failed",
					slog.String("path", a.NodePath()),
					slog.Any("error", err),
				)
			}
		}
	}
}

// registerWithRetry creates the parent chain and the ephemeral node,
// retrying transient failures with exponential backoff until ctx ends or two
// minutes have elapsed, whichever comes first.
func (a *Announcer) registerWithRetry(ctx context.Context, conn *zk.Conn) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute

	op := func() error { return a.register(conn) }
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("cluster registration retry",
			slog.String("path", a.NodePath()),
			slog.Duration("backoff", wait),
			slog.Any("error", err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}

// register creates the parent chain (persistent) and this node's ephemeral
// znode. An existing ephemeral node from a previous session of this process
// is replaced so the payload is always current.
func (a *Announcer) register(conn *zk.Conn) error {
	data, err := json.Marshal(a.payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("cluster: marshal announcement: %w", err))
	}

	if err := ensurePath(conn, a.parent); err != nil {
		return err
	}

	path := a.NodePath()
	_, err = conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		// Stale node from the previous session; replace its payload.
		_, err = conn.Set(path, data, -1)
	}
	if err != nil {
		return fmt.Errorf("cluster: create %q: %w", path, err)
	}

	a.logger.Info("cluster membership registered", slog.String("path", path))
	return nil
}

// ensurePath creates every component of a "/x/y/z" chain as a persistent
// znode, tolerating components that already exist.
func ensurePath(conn *zk.Conn, path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur += "/" + part
		_, err := conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("cluster: ensure %q: %w", cur, err)
		}
	}
	return nil
}
