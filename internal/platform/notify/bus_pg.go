package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7900

// PGBus uses pg_notify / LISTEN on a single channel.
type PGBus struct {
	pool    *pgxpool.Pool
	channel string
	log     zerolog.Logger
}

func NewPGBus(pool *pgxpool.Pool, channel string, log zerolog.Logger) *PGBus {
	return &PGBus{pool: pool, channel: channel, log: log}
}

// encodePayload marshals an event, dropping the row snapshot when the
// result would not fit in a NOTIFY payload.
func encodePayload(event Event, limit int) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	if len(payload) <= limit {
		return payload, nil
	}

	event.Data = nil
	event.Truncated = true
	payload, err = json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal truncated event: %w", err)
	}
	return payload, nil
}

func (b *PGBus) Publish(ctx context.Context, event Event) error {
	payload, err := encodePayload(event, maxNotifyPayload)
	if err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Listen holds a dedicated connection in LISTEN mode, reconnecting with
// backoff. After a reconnect a resync event is delivered because
// notifications sent while disconnected are lost.
func (b *PGBus) Listen(ctx context.Context, deliver func(Event)) error {
	backoff := time.Second
	connected := false

	for {
		err := b.listenOnce(ctx, func() {
			if connected {
				deliver(Event{Type: EventResync, Timestamp: time.Now().UTC()})
			}
			connected = true
			backoff = time.Second
		}, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.log.Warn().Err(err).Dur("retry_in", backoff).Msg("notify listener disconnected")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *PGBus) listenOnce(ctx context.Context, onListening func(), deliver func(Event)) error {
	pooled, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	// The connection stays in LISTEN mode, so it must never go back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", b.channel, err)
	}
	onListening()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var ev Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			b.log.Warn().Err(err).Msg("discarding malformed notification")
			continue
		}
		deliver(ev)
	}
}
