// Package db provides PostgreSQL LISTEN/NOTIFY support for cache invalidation.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InvalidationEvent is the payload published on the channels below when a
// cached lookup becomes stale. SourceID/FromNorm identify the row that
// changed; cache.TrustCache uses SourceID to drop just that entry, while
// cache.AliasCache reloads its whole table on any event.
type InvalidationEvent struct {
	SourceID string `json:"sourceId,omitempty"`
	FromNorm string `json:"fromNorm,omitempty"`
	Version  int    `json:"version,omitempty"`
}

// Channel names InvalidationEvent is published on. The admin trust-config
// action publishes on ChannelTrustConfigChanged; nothing in this module
// publishes on ChannelBrandAliasChanged.
const (
	ChannelTrustConfigChanged = "trust_config_changed"
	ChannelBrandAliasChanged  = "brand_alias_changed"
)

// InvalidationHandler is called for each notification received on a
// subscribed channel.
type InvalidationHandler func(event InvalidationEvent)

// Listener subscribes to a PostgreSQL NOTIFY channel and dispatches events.
// The reconnect loop is deliberately unconditional: a dropped LISTEN
// connection must not silently stop cache invalidation, since a cache that
// stops invalidating fails open (serves stale trust/alias data) rather than
// closed.
type Listener struct {
	pool     *pgxpool.Pool
	channel  string
	mu       sync.RWMutex
	handlers []InvalidationHandler
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
}

// NewListener creates a new PostgreSQL LISTEN subscriber for channel.
func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		pool:    pool,
		channel: channel,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnEvent registers a handler for invalidation events.
func (l *Listener) OnEvent(handler InvalidationHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// Start begins listening for notifications in the background.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	go l.listenLoop()
	return nil
}

// Stop stops listening for notifications.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}
	l.running = false
	l.cancel()
}

// listenLoop maintains the LISTEN connection, reconnecting on any error.
func (l *Listener) listenLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			if err := l.listen(); err != nil {
				log.Printf("[Listener] channel=%s error=%v reconnecting in 1s", l.channel, err)
				select {
				case <-l.ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
		}
	}
}

// listen establishes a LISTEN connection and processes notifications until
// the connection or context breaks.
func (l *Listener) listen() error {
	conn, err := l.pool.Acquire(l.ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(l.ctx, fmt.Sprintf("LISTEN %s", l.channel)); err != nil {
		return fmt.Errorf("LISTEN %s: %w", l.channel, err)
	}
	log.Printf("[Listener] listening on channel=%s", l.channel)

	for {
		notification, err := conn.Conn().WaitForNotification(l.ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var event InvalidationEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			log.Printf("[Listener] channel=%s malformed payload: %v", l.channel, err)
			continue
		}
		l.dispatch(event)
	}
}

func (l *Listener) dispatch(event InvalidationEvent) {
	l.mu.RLock()
	handlers := make([]InvalidationHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
