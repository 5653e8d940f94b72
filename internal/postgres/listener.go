package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/platekitchen/kds/internal/kds"
)

const (
	listenChannel = "kds_entries"

	baseReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay  = 30 * time.Second
	jitterFraction     = 0.2

	// Consecutive failed connect attempts before the feed surfaces itself
	// as disconnected. It keeps retrying regardless; a stale display is an
	// acceptable failure mode, a feed that stops reconnecting is not.
	disconnectedBudget = 5
)

// Listener implements kds.ChangeFeed over a dedicated LISTEN/NOTIFY
// connection. The pool is not used here: LISTEN binds to one session, so the
// listener owns its connection outright.
type Listener struct {
	dsn    string
	logger aqm.Logger

	events chan kds.ChangeEvent
	states chan kds.FeedState
	last   kds.FeedState

	cancel context.CancelFunc
	done   chan struct{}
}

func NewListener(dsn string, logger aqm.Logger) *Listener {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Listener{
		dsn:    dsn,
		logger: logger,
		events: make(chan kds.ChangeEvent, 256),
		states: make(chan kds.FeedState, 8),
		done:   make(chan struct{}),
	}
}

func (l *Listener) Events() <-chan kds.ChangeEvent { return l.events }
func (l *Listener) States() <-chan kds.FeedState   { return l.states }

func (l *Listener) Start(ctx context.Context) error {
	// The lifecycle context only covers startup; the listen loop gets its
	// own so it survives until Stop.
	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(runCtx)
	return nil
}

func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
		select {
		case <-l.done:
		case <-ctx.Done():
		}
	}
	return nil
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		l.setState(kds.FeedConnecting)

		conn, err := l.listen(ctx)
		if err != nil {
			attempt++
			if attempt >= disconnectedBudget {
				l.setState(kds.FeedDisconnected)
			}
			delay := reconnectDelay(attempt)
			l.logger.Info("change feed connect failed", "attempt", attempt, "retry_in", delay.String(), "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		l.setState(kds.FeedConnected)
		l.logger.Info("change feed connected", "channel", listenChannel)

		err = l.consume(ctx, conn)
		_ = conn.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		l.logger.Info("change feed dropped", "error", err)
	}
}

func (l *Listener) listen(ctx context.Context) (*pgx.Conn, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(connectCtx, l.dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot connect: %w", err)
	}
	if _, err := conn.Exec(connectCtx, "LISTEN "+listenChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("cannot listen on %s: %w", listenChannel, err)
	}
	return conn, nil
}

func (l *Listener) consume(ctx context.Context, conn *pgx.Conn) error {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		event, err := parseNotification(notification.Payload)
		if err != nil {
			l.logger.Errorf("cannot parse change notification: %v", err)
			continue
		}

		select {
		case l.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// setState publishes state changes without blocking; if the consumer lags,
// older states are dropped in favor of newer ones.
func (l *Listener) setState(s kds.FeedState) {
	if s == l.last {
		return
	}
	l.last = s
	for {
		select {
		case l.states <- s:
			return
		default:
			select {
			case <-l.states:
			default:
			}
		}
	}
}

func parseNotification(payload string) (kds.ChangeEvent, error) {
	var event kds.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return kds.ChangeEvent{}, fmt.Errorf("invalid payload %q: %w", payload, err)
	}
	if event.Op == "" || event.EntryID == uuid.Nil {
		return kds.ChangeEvent{}, fmt.Errorf("incomplete payload %q", payload)
	}
	return event, nil
}

// reconnectDelay doubles from the base delay up to the cap, with random
// jitter so a fleet of displays dropped at the same instant does not
// reconnect in lockstep.
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := baseReconnectDelay << (attempt - 1)
	if delay > maxReconnectDelay || delay <= 0 {
		delay = maxReconnectDelay
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}
