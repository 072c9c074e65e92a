package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/circuitproxy/circuitproxy/internal/config"
	"github.com/circuitproxy/circuitproxy/internal/security"
)

const queryHealthCheck = `SELECT 1`

// Pool manages control-plane PostgreSQL connections with auto-reconnect
type Pool struct {
	pool   *pgxpool.Pool
	config config.DatabaseConfig
	logger *slog.Logger

	// Health status
	healthy atomic.Bool

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	// Reconnection
	reconnectMu    sync.Mutex
	lastReconnect  time.Time
	reconnectDelay time.Duration
}

// NewPool connects to the control-plane database and starts a background
// health check loop
func NewPool(cfg config.DatabaseConfig, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		panic("registry.NewPool: logger must not be nil")
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		config:         cfg,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		reconnectDelay: time.Second, // Initial delay 1s
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("registry: invalid database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.HealthCheckPeriod = cfg.HealthCheckInterval
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	poolConfig.ConnConfig.OnNotice = func(c *pgconn.PgConn, n *pgconn.Notice) {
		p.logger.Debug("PostgreSQL notice",
			"severity", n.Severity,
			"message", n.Message,
		)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("registry: failed to connect: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		cancel()
		return nil, fmt.Errorf("registry: ping failed: %w", err)
	}

	p.pool = pool
	p.healthy.Store(true)

	p.wg.Add(1)
	go p.healthCheckLoop()

	p.logger.Info("Registry connection pool initialized",
		"max_conns", cfg.MaxConns,
		"min_conns", cfg.MinConns,
		"database", security.MaskDatabaseURL(cfg.URL),
	)

	return p, nil
}

// Pgx returns the underlying pgxpool.Pool
func (p *Pool) Pgx() *pgxpool.Pool {
	return p.pool
}

// IsHealthy returns connection health status
func (p *Pool) IsHealthy() bool {
	return p.healthy.Load()
}

// Stats returns pool statistics
func (p *Pool) Stats() *pgxpool.Stat {
	if p.pool == nil {
		return nil
	}
	return p.pool.Stat()
}

// Close closes the connection pool
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return // Already closed
	}

	p.cancel()

	doneChan := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(doneChan)
	}()

	select {
	case <-doneChan:
	case <-time.After(10 * time.Second):
		p.logger.Warn("Health check goroutine did not stop within timeout")
	}

	if p.pool != nil {
		p.pool.Close()
	}

	p.logger.Info("Registry connection pool closed")
}

// healthCheckLoop periodically checks connection health
func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.performHealthCheck()
		}
	}
}

func (p *Pool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()

	var result int
	err := p.pool.QueryRow(ctx, queryHealthCheck).Scan(&result)

	if err != nil {
		wasHealthy := p.healthy.Swap(false)
		if wasHealthy {
			p.logger.Error("Registry database health check failed",
				"error", err,
			)
		}
		p.tryReconnect()
	} else {
		wasUnhealthy := !p.healthy.Swap(true)
		if wasUnhealthy {
			p.logger.Info("Registry database connection restored")
			p.reconnectDelay = time.Second // Reset backoff
		}
	}
}

// tryReconnect attempts to restore connection with exponential backoff
func (p *Pool) tryReconnect() {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()

	// Don't reconnect too frequently
	if time.Since(p.lastReconnect) < p.reconnectDelay {
		return
	}

	p.logger.Info("Attempting to reconnect to registry database",
		"delay", p.reconnectDelay,
	)

	ctx, cancel := context.WithTimeout(p.ctx, p.config.ConnectTimeout)
	defer cancel()

	err := p.pool.Ping(ctx)
	p.lastReconnect = time.Now().UTC()

	if err != nil {
		// Increase backoff (max 30s)
		p.reconnectDelay = minDuration(p.reconnectDelay*2, 30*time.Second)
		p.logger.Error("Reconnection failed",
			"error", err,
			"next_delay", p.reconnectDelay,
		)
	} else {
		p.healthy.Store(true)
		p.reconnectDelay = time.Second
		p.logger.Info("Reconnection successful")
	}
}

// minDuration returns the minimum of two durations
func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
