package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ktstudio/ktstudio/internal/domain"
)

// ─── Task Repository ────────────────────────────────────────────────────────

const taskColumns = `id, kind, status, progress, eta_seconds,
	project_id, character_id, scene_id, video_id,
	payload, result, error, error_kind,
	created_at, started_at, completed_at, duration_ms`

// durationExpr freezes duration at the terminal transition; the first
// bind parameter is the completion time.
const durationExpr = `CASE WHEN started_at IS NULL THEN 0 ELSE MAX(0, ? - started_at) END`

type taskRow struct {
	ID          int64          `db:"id"`
	Kind        string         `db:"kind"`
	Status      string         `db:"status"`
	Progress    int            `db:"progress"`
	ETASeconds  int            `db:"eta_seconds"`
	ProjectID   int64          `db:"project_id"`
	CharacterID int64          `db:"character_id"`
	SceneID     int64          `db:"scene_id"`
	VideoID     int64          `db:"video_id"`
	Payload     string         `db:"payload"`
	Result      sql.NullString `db:"result"`
	Error       sql.NullString `db:"error"`
	ErrorKind   sql.NullString `db:"error_kind"`
	CreatedAt   int64          `db:"created_at"`
	StartedAt   sql.NullInt64  `db:"started_at"`
	CompletedAt sql.NullInt64  `db:"completed_at"`
	DurationMs  sql.NullInt64  `db:"duration_ms"`
}

func (r taskRow) toTask() (*domain.Task, error) {
	kind := domain.TaskKind(r.Kind)
	payload, err := domain.DecodePayload(kind, []byte(r.Payload))
	if err != nil {
		return nil, fmt.Errorf("task %d payload: %w", r.ID, err)
	}
	var result domain.Result
	if r.Result.Valid {
		if result, err = domain.DecodeResult(kind, []byte(r.Result.String)); err != nil {
			return nil, fmt.Errorf("task %d result: %w", r.ID, err)
		}
	}
	return &domain.Task{
		ID:         r.ID,
		Kind:       kind,
		Status:     domain.TaskStatus(r.Status),
		Progress:   r.Progress,
		ETASeconds: r.ETASeconds,
		Owner: domain.Owner{
			ProjectID:   r.ProjectID,
			CharacterID: r.CharacterID,
			SceneID:     r.SceneID,
			VideoID:     r.VideoID,
		},
		Payload:     payload,
		Result:      result,
		Error:       r.Error.String,
		ErrorKind:   domain.ErrorKind(r.ErrorKind.String),
		CreatedAt:   time.UnixMilli(r.CreatedAt),
		StartedAt:   fromUnix(r.StartedAt),
		CompletedAt: fromUnix(r.CompletedAt),
		DurationMs:  r.DurationMs.Int64,
	}, nil
}

// CreateTask inserts t as queued and fills its ID and CreatedAt.
func (d *DB) CreateTask(ctx context.Context, t *domain.Task) error {
	payload, err := encodeJSON(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Status = domain.TaskQueued

	res, err := d.db.ExecContext(ctx,
		`INSERT INTO tasks (kind, status, project_id, character_id, scene_id, video_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.Kind), string(t.Status),
		t.Owner.ProjectID, t.Owner.CharacterID, t.Owner.SceneID, t.Owner.VideoID,
		payload.String, unixMilli(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

// GetTask retrieves a task by ID. Returns nil, nil when missing.
func (d *DB) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	var row taskRow
	err := d.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toTask()
}

// ListTasks returns tasks matching f, newest first.
func (d *DB) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	where, args := ownerWhere(f.Owner)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []taskRow
	if err := d.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

// ClaimNextQueued moves the oldest queued task to running in one statement.
// Nothing is claimed while another task is running.
func (d *DB) ClaimNextQueued(ctx context.Context, now time.Time) (*domain.Task, error) {
	var row taskRow
	err := d.db.QueryRowxContext(ctx,
		`UPDATE tasks SET status = 'running', started_at = ?, progress = 0, eta_seconds = 0
		 WHERE id = (SELECT id FROM tasks WHERE status = 'queued' ORDER BY created_at, id LIMIT 1)
		   AND NOT EXISTS (SELECT 1 FROM tasks WHERE status = 'running')
		 RETURNING `+taskColumns,
		unixMilli(now),
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	task, err := row.toTask()
	if err != nil {
		// An undecodable row must not stay running and block every later claim.
		if _, ferr := d.ForceFail(context.WithoutCancel(ctx), row.ID, err.Error(), domain.ErrorKindInternal, now); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, err
	}
	return task, nil
}

// UpdateProgress raises progress (capped at 99) and sets the ETA of a running task.
func (d *DB) UpdateProgress(ctx context.Context, id int64, progress, etaSeconds int) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET progress = MAX(progress, MIN(MAX(?, 0), 99)), eta_seconds = MAX(?, 0)
		 WHERE id = ? AND status = 'running'`,
		progress, etaSeconds, id,
	)
	return err
}

// SaveResult stores a partial result on a running task.
func (d *DB) SaveResult(ctx context.Context, id int64, r domain.Result) error {
	result, err := encodeJSON(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`UPDATE tasks SET result = ? WHERE id = ? AND status = 'running'`, result, id)
	return err
}

// CompleteTask moves a running task to done with progress 100.
func (d *DB) CompleteTask(ctx context.Context, id int64, r domain.Result, now time.Time) (bool, error) {
	result, err := encodeJSON(r)
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}
	ts := unixMilli(now)
	res, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'done', progress = 100, eta_seconds = 0,
		   result = COALESCE(?, result), completed_at = ?, duration_ms = `+durationExpr+`
		 WHERE id = ? AND status = 'running'`,
		result, ts, ts, id,
	)
	return applied(res, err)
}

// FailTask moves a running task to failed. A nil result keeps any partial result.
func (d *DB) FailTask(ctx context.Context, id int64, msg string, kind domain.ErrorKind, r domain.Result, now time.Time) (bool, error) {
	result, err := encodeJSON(r)
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}
	ts := unixMilli(now)
	res, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'failed', eta_seconds = 0, error = ?, error_kind = ?,
		   result = COALESCE(?, result), completed_at = ?, duration_ms = `+durationExpr+`
		 WHERE id = ? AND status = 'running'`,
		msg, string(kind), result, ts, ts, id,
	)
	return applied(res, err)
}

// ForceFail moves a queued or running task to failed.
func (d *DB) ForceFail(ctx context.Context, id int64, msg string, kind domain.ErrorKind, now time.Time) (bool, error) {
	ts := unixMilli(now)
	res, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'failed', eta_seconds = 0, error = ?, error_kind = ?,
		   completed_at = ?, duration_ms = `+durationExpr+`
		 WHERE id = ? AND status IN ('queued', 'running')`,
		msg, string(kind), ts, ts, id,
	)
	return applied(res, err)
}

// ForceFailActive fails every queued or running task and returns their IDs.
func (d *DB) ForceFailActive(ctx context.Context, msg string, kind domain.ErrorKind, now time.Time) ([]int64, error) {
	ts := unixMilli(now)
	var ids []int64
	err := d.db.SelectContext(ctx, &ids,
		`UPDATE tasks SET status = 'failed', eta_seconds = 0, error = ?, error_kind = ?,
		   completed_at = ?, duration_ms = `+durationExpr+`
		 WHERE status IN ('queued', 'running')
		 RETURNING id`,
		msg, string(kind), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("fail active tasks: %w", err)
	}
	return ids, nil
}

// RecoverInterrupted fails tasks left running by a previous process.
func (d *DB) RecoverInterrupted(ctx context.Context, now time.Time) ([]int64, error) {
	ts := unixMilli(now)
	var ids []int64
	err := d.db.SelectContext(ctx, &ids,
		`UPDATE tasks SET status = 'failed', eta_seconds = 0, error = ?, error_kind = ?,
		   completed_at = ?, duration_ms = `+durationExpr+`
		 WHERE status = 'running'
		 RETURNING id`,
		domain.MsgRestarted, string(domain.ErrorKindBackend), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("recover interrupted tasks: %w", err)
	}
	return ids, nil
}

// DeleteTasks removes an entity's tasks; terminalOnly keeps queued and running ones.
func (d *DB) DeleteTasks(ctx context.Context, owner domain.Owner, terminalOnly bool) (int64, error) {
	where, args := ownerWhere(owner)
	if len(where) == 0 {
		return 0, fmt.Errorf("delete tasks: %w: owner required", domain.ErrInvalidPayload)
	}
	if terminalOnly {
		where = append(where, "status IN ('done', 'failed')")
	}
	res, err := d.db.ExecContext(ctx, `DELETE FROM tasks WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTerminalBefore prunes finished tasks completed before cutoff.
func (d *DB) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ('done', 'failed') AND completed_at < ?`, unixMilli(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return res.RowsAffected()
}

func ownerWhere(o domain.Owner) ([]string, []any) {
	var where []string
	var args []any
	for _, c := range []struct {
		col string
		id  int64
	}{
		{"project_id", o.ProjectID},
		{"character_id", o.CharacterID},
		{"scene_id", o.SceneID},
		{"video_id", o.VideoID},
	} {
		if c.id != 0 {
			where = append(where, c.col+" = ?")
			args = append(args, c.id)
		}
	}
	return where, args
}

func applied(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
