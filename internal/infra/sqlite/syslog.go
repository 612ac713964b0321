package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// ─── System Log ─────────────────────────────────────────────────────────────

type logRow struct {
	ID        int64  `db:"id"`
	Module    string `db:"module"`
	Title     string `db:"title"`
	Content   string `db:"content"`
	Level     string `db:"level"`
	CreatedAt int64  `db:"created_at"`
}

// AppendLog records an operator-visible log entry.
func (d *DB) AppendLog(ctx context.Context, e domain.SystemLog) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Level == "" {
		e.Level = domain.LogInfo
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO system_logs (module, title, content, level, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.Module, e.Title, e.Content, string(e.Level), unixMilli(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns the newest entries first.
func (d *DB) ListLogs(ctx context.Context, limit int) ([]domain.SystemLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []logRow
	if err := d.db.SelectContext(ctx, &rows,
		`SELECT * FROM system_logs ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	out := make([]domain.SystemLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.SystemLog{
			ID: r.ID, Module: r.Module, Title: r.Title, Content: r.Content,
			Level: domain.LogLevel(r.Level), CreatedAt: time.UnixMilli(r.CreatedAt),
		})
	}
	return out, nil
}

// DeleteLogsBefore prunes entries older than cutoff.
func (d *DB) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM system_logs WHERE created_at < ?`, unixMilli(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete logs: %w", err)
	}
	return res.RowsAffected()
}

// compile-time interface checks
var (
	_ domain.TaskStore   = (*DB)(nil)
	_ domain.EntityStore = (*DB)(nil)
)
