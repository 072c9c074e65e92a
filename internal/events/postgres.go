package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// notifyChannel is the single LISTEN/NOTIFY channel shared by the cluster.
	// The payload of a notification is the outbox row id, never the event
	// itself: NOTIFY payloads are capped at 8000 bytes and a circuit dump
	// does not fit.
	notifyChannel = "circuitproxy_events"

	// eventRetention bounds the outbox table size. Events older than this
	// have long been consumed or superseded by reconciliation.
	eventRetention = time.Hour

	cleanupInterval  = 10 * time.Minute
	reconnectBackoff = time.Second
)

const (
	queryInsertEvent = `
		WITH ins AS (
			INSERT INTO proxy_events (payload) VALUES ($1) RETURNING id
		)
		SELECT pg_notify('` + notifyChannel + `', (SELECT id::text FROM ins))`

	querySelectEvent = `SELECT payload FROM proxy_events WHERE id = $1`

	queryCleanupEvents = `DELETE FROM proxy_events WHERE created_at < $1`
)

// PostgresBus is a Bus backed by a transactional outbox table plus
// LISTEN/NOTIFY fan-out. Publish inserts the event row and notifies its id;
// a dedicated listening connection loads the row and delivers it to local
// subscribers. Every process (coordinator and workers) runs its own listener,
// so a publish reaches the whole cluster including the publisher itself.
type PostgresBus struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	fanout *LocalBus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPostgresBus creates the bus. Start must be called before events flow.
func NewPostgresBus(pool *pgxpool.Pool, logger *slog.Logger) *PostgresBus {
	if pool == nil {
		panic("events.NewPostgresBus: pool must not be nil")
	}
	if logger == nil {
		panic("events.NewPostgresBus: logger must not be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresBus{
		pool:   pool,
		logger: logger,
		fanout: NewLocalBus(logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the notification listener and the outbox cleanup loop
func (b *PostgresBus) Start() {
	b.wg.Add(2)
	go b.listenLoop()
	go b.cleanupLoop()
}

// Publish inserts the event into the outbox and notifies the cluster
func (b *PostgresBus) Publish(ctx context.Context, event Event) error {
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	if _, err := b.pool.Exec(ctx, queryInsertEvent, payload); err != nil {
		return fmt.Errorf("events: publish %s: %w", event.Type, err)
	}
	return nil
}

// PublishTx inserts the event inside the caller's transaction. The
// notification fires only when the transaction commits, so subscribers never
// observe an event for state that was rolled back.
func (b *PostgresBus) PublishTx(ctx context.Context, tx pgx.Tx, event Event) error {
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	if _, err := tx.Exec(ctx, queryInsertEvent, payload); err != nil {
		return fmt.Errorf("events: publish %s in tx: %w", event.Type, err)
	}
	return nil
}

// Subscribe registers a local subscriber for cluster-wide events
func (b *PostgresBus) Subscribe(name string) (<-chan Event, func()) {
	return b.fanout.Subscribe(name)
}

// Close stops the listener and closes all subscriber channels
func (b *PostgresBus) Close() {
	b.cancel()
	b.wg.Wait()
	b.fanout.Close()
}

// listenLoop holds one dedicated connection on LISTEN and fans incoming
// events out to local subscribers, reconnecting with backoff on any error.
func (b *PostgresBus) listenLoop() {
	defer b.wg.Done()

	for {
		if b.ctx.Err() != nil {
			return
		}
		if err := b.listenOnce(); err != nil && b.ctx.Err() == nil {
			b.logger.Error("event listener disconnected, retrying",
				"error", err,
				"backoff", reconnectBackoff.String(),
			)
		}
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (b *PostgresBus) listenOnce() error {
	conn, err := b.pool.Acquire(b.ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	// The connection leaves the pool in LISTEN state and must not be reused
	// for queries; hijack keeps the pool honest.
	raw := conn.Hijack()
	defer raw.Close(context.Background())

	if _, err := raw.Exec(b.ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.logger.Debug("event listener attached", "channel", notifyChannel)

	for {
		notification, err := raw.WaitForNotification(b.ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		eventID, err := strconv.ParseInt(notification.Payload, 10, 64)
		if err != nil {
			b.logger.Warn("ignoring malformed event notification",
				"payload", notification.Payload,
			)
			continue
		}

		var payload []byte
		if err := b.pool.QueryRow(b.ctx, querySelectEvent, eventID).Scan(&payload); err != nil {
			b.logger.Warn("event row missing, skipping",
				"event_id", eventID,
				"error", err,
			)
			continue
		}

		event, err := Unmarshal(payload)
		if err != nil {
			b.logger.Warn("discarding undecodable event",
				"event_id", eventID,
				"error", err,
			)
			continue
		}

		if err := b.fanout.Publish(b.ctx, event); err != nil {
			return err
		}
	}
}

func (b *PostgresBus) cleanupLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-eventRetention)
			tag, err := b.pool.Exec(b.ctx, queryCleanupEvents, cutoff)
			if err != nil {
				b.logger.Warn("event outbox cleanup failed", "error", err)
				continue
			}
			if tag.RowsAffected() > 0 {
				b.logger.Debug("event outbox pruned",
					"removed", tag.RowsAffected(),
					"cutoff", cutoff,
				)
			}
		}
	}
}
