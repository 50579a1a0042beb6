// Package history records the orchestrator's event stream into a
// database for later inspection. The durable state files remain the
// source of truth for recovery; history is an append-only log the
// `steward history` command queries.
package history

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stackworks/steward/internal/config"
	"github.com/stackworks/steward/internal/events"
	"github.com/stackworks/steward/internal/history/driver"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Record is one persisted event.
type Record struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	EventType string    `json:"event_type"`
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryOptions filters Recent.
type QueryOptions struct {
	TaskID    string
	EventType string
	Limit     int
}

// Recorder writes published events to the history database.
type Recorder struct {
	drv    driver.Driver
	logger *slog.Logger
}

// Open connects to the configured history database and applies pending
// migrations.
func Open(cfg config.HistoryConfig, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialect, err := driver.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	if dialect == driver.DialectSQLite && cfg.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(cfg.DSN); err != nil {
		return nil, err
	}

	prefix := "history"
	if dialect == driver.DialectPostgres {
		prefix = "pghistory"
	}
	if err := drv.Migrate(context.Background(), schemaFS, prefix); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}

	return &Recorder{
		drv:    drv,
		logger: logger.With("component", "history"),
	}, nil
}

// Close closes the database connection.
func (r *Recorder) Close() error {
	return r.drv.Close()
}

// Start subscribes to the publisher and consumes events in the
// background until ctx is cancelled. The subscription is registered
// before Start returns, so an event published right after startup is
// not lost to the no-subscriber drop.
func (r *Recorder) Start(ctx context.Context, publisher events.Publisher) {
	ch := publisher.Subscribe(events.GlobalTaskID)
	go r.consume(ctx, publisher, ch)
}

// consume appends events until ctx is cancelled. Insert failures are
// logged and skipped; a broken recorder must never stall the
// orchestrator.
func (r *Recorder) consume(ctx context.Context, publisher events.Publisher, ch <-chan events.Event) {
	defer publisher.Unsubscribe(events.GlobalTaskID, ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Append(ctx, ev); err != nil {
				r.logger.Warn("history append failed",
					"event_type", ev.Type, "task_id", ev.TaskID, "error", err)
			}
		}
	}
}

// Append persists one event.
func (r *Recorder) Append(ctx context.Context, ev events.Event) error {
	var data *string
	if ev.Data != nil {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		s := string(raw)
		data = &s
	}

	query := fmt.Sprintf(
		"INSERT INTO event_log (task_id, event_type, data, created_at) VALUES (%s, %s, %s, %s)",
		r.drv.Placeholder(1), r.drv.Placeholder(2), r.drv.Placeholder(3), r.drv.Placeholder(4))

	createdAt := ev.Time.UTC().Format(time.RFC3339Nano)
	if _, err := r.drv.Exec(ctx, query, ev.TaskID, string(ev.Type), data, createdAt); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns the newest events matching opts, newest first.
func (r *Recorder) Recent(ctx context.Context, opts QueryOptions) ([]Record, error) {
	var (
		conds []string
		args  []any
	)
	if opts.TaskID != "" {
		args = append(args, opts.TaskID)
		conds = append(conds, fmt.Sprintf("task_id = %s", r.drv.Placeholder(len(args))))
	}
	if opts.EventType != "" {
		args = append(args, opts.EventType)
		conds = append(conds, fmt.Sprintf("event_type = %s", r.drv.Placeholder(len(args))))
	}

	query := "SELECT id, task_id, event_type, COALESCE(data, ''), created_at FROM event_log"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT %s", r.drv.Placeholder(len(args)))

	rows, err := r.drv.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.EventType, &rec.Data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = ts
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

// TaskTimeline returns all events for one task, oldest first.
func (r *Recorder) TaskTimeline(ctx context.Context, taskID string) ([]Record, error) {
	records, err := r.Recent(ctx, QueryOptions{TaskID: taskID, Limit: 1000})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}
