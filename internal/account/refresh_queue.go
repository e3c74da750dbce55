package account

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-tools/antigravity-broker/internal/config"
)

// RefreshQueue proactively refreshes access tokens before they expire so that
// request latency never pays for a refresh round trip. Refreshes run one at a
// time; the OAuth endpoint throttles bursts from a single client.
type RefreshQueue struct {
	manager       *Manager
	buffer        time.Duration
	checkInterval time.Duration
	initialDelay  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	// Refreshed and Failed count completed refresh attempts, for the
	// diagnostics endpoint.
	Refreshed int64
	Failed    int64
}

// NewRefreshQueue builds a queue from the configuration.
func NewRefreshQueue(manager *Manager, cfg *config.Config) *RefreshQueue {
	return &RefreshQueue{
		manager:       manager,
		buffer:        time.Duration(cfg.RefreshBufferSeconds) * time.Second,
		checkInterval: time.Duration(cfg.RefreshCheckIntervalSeconds) * time.Second,
		initialDelay:  5 * time.Second,
	}
}

// Start launches the background loop. Calling Start on a running queue is a
// no-op.
func (q *RefreshQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true
	go q.loop(ctx)
	log.Infof("token refresh queue started, buffer %s, interval %s", q.buffer, q.checkInterval)
}

// Stop halts the loop and waits for it to exit. Safe to call repeatedly.
func (q *RefreshQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel, done := q.cancel, q.done
	q.running = false
	q.mu.Unlock()

	cancel()
	<-done
	log.Info("token refresh queue stopped")
}

func (q *RefreshQueue) loop(ctx context.Context) {
	defer close(q.done)

	// The initial delay lets startup traffic settle before the first sweep.
	select {
	case <-time.After(q.initialDelay):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(q.checkInterval)
	defer ticker.Stop()

	q.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			q.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep refreshes every account whose token expires inside the buffer window.
// Already-expired tokens are left to the request path, which refreshes on
// demand.
func (q *RefreshQueue) sweep(ctx context.Context) {
	now := time.Now()
	for _, account := range q.manager.Accounts() {
		if ctx.Err() != nil {
			return
		}
		if account.Expires <= now.UnixMilli() {
			continue
		}
		if !account.TokenExpired(now, q.buffer.Milliseconds()) {
			continue
		}
		if err := q.manager.ensureFreshToken(ctx, account.Index, q.buffer.Milliseconds()); err != nil {
			q.mu.Lock()
			q.Failed++
			q.mu.Unlock()
			log.Warnf("proactive refresh failed for account #%d: %v", account.Index, err)
			continue
		}
		q.mu.Lock()
		q.Refreshed++
		q.mu.Unlock()
		log.Debugf("proactively refreshed token for account #%d", account.Index)
	}
}

// Stats returns the refresh counters.
func (q *RefreshQueue) Stats() (refreshed, failed int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Refreshed, q.Failed
}
