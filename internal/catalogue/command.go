package catalogue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kaliintelsuite/kiscollect/internal/model"
)

const commandColumns = `id, workspace_id, collector, target, argv, timeout_ms, delay_ms, status,
	run_id, created_at, started_at, finished_at, exit_code, stdout, stderr`

// EnsureCommand persists spec as a pending command unless a command with the
// same key already exists. The stored command is returned in both cases and
// created reports whether it was inserted now.
func (db *DB) EnsureCommand(ctx context.Context, spec model.CommandSpec) (cmd model.Command, created bool, err error) {
	key := spec.Key()
	target, err := json.Marshal(spec.Target)
	if err != nil {
		return model.Command{}, false, fmt.Errorf("encoding target: %w", err)
	}
	argv, err := json.Marshal(spec.Argv)
	if err != nil {
		return model.Command{}, false, fmt.Errorf("encoding argv: %w", err)
	}
	var delay sql.NullInt64
	if spec.Delay != nil {
		delay = sql.NullInt64{Int64: spec.Delay.Milliseconds(), Valid: true}
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO command (workspace_id, collector, target_kind, target_id, fingerprint,
		   target, argv, timeout_ms, delay_ms, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id, collector, target_kind, target_id, fingerprint) DO NOTHING`,
		key.Workspace, key.Collector, string(key.TargetKind), key.TargetID, key.Fingerprint,
		string(target), string(argv), spec.Timeout.Milliseconds(), delay,
		string(model.StatusPending), db.now().UnixMilli(),
	)
	if err != nil {
		return model.Command{}, false, fmt.Errorf("insert command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Command{}, false, fmt.Errorf("insert command: %w", err)
	}

	cmd, err = db.CommandByKey(ctx, key)
	if err != nil {
		return model.Command{}, false, err
	}
	return cmd, n == 1, nil
}

func (db *DB) CommandByKey(ctx context.Context, key model.CommandKey) (model.Command, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM command
		 WHERE workspace_id = ? AND collector = ? AND target_kind = ? AND target_id = ? AND fingerprint = ?`,
		key.Workspace, key.Collector, string(key.TargetKind), key.TargetID, key.Fingerprint)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Command{}, fmt.Errorf("command %s: %w", key.Collector, ErrNotFound)
	}
	return cmd, err
}

func (db *DB) Command(ctx context.Context, id int64) (model.Command, error) {
	row := db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM command WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Command{}, fmt.Errorf("command %d: %w", id, ErrNotFound)
	}
	return cmd, err
}

// Commands returns the commands of a workspace with the given status in
// creation order. An empty collector or status matches all of them.
func (db *DB) Commands(ctx context.Context, workspace int64, collector string, status model.Status) ([]model.Command, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM command
		 WHERE workspace_id = ? AND (? = '' OR collector = ?) AND (? = '' OR status = ?)
		 ORDER BY id`,
		workspace, collector, collector, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var ret []model.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return ret, nil
}

// Claim moves a pending command to running. It reports false when the
// command is not pending anymore, e.g. another worker claimed it.
func (db *DB) Claim(ctx context.Context, id int64, runID string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE command SET status = ?, run_id = ?, started_at = ?, finished_at = NULL, exit_code = NULL
		 WHERE id = ? AND status = ?`,
		string(model.StatusRunning), runID, db.now().UnixMilli(), id, string(model.StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim command %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim command %d: %w", id, err)
	}
	return n == 1, nil
}

// Release returns a running command, which was not started yet, to pending
func (db *DB) Release(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx,
		`UPDATE command SET status = ?, run_id = '', started_at = NULL WHERE id = ? AND status = ?`,
		string(model.StatusPending), id, string(model.StatusRunning))
	if err != nil {
		return fmt.Errorf("release command %d: %w", id, err)
	}
	return expectOne(res, id)
}

// Finish records the outcome of a running command
func (db *DB) Finish(ctx context.Context, id int64, out model.Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("finish command %d: %w: %s", id, model.ErrInvalidStatus, out.Status)
	}
	finished := out.Finished
	if finished.IsZero() {
		finished = db.now()
	}
	var exitCode sql.NullInt64
	if out.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*out.ExitCode), Valid: true}
	}
	res, err := db.ExecContext(ctx,
		`UPDATE command SET status = ?, finished_at = ?, exit_code = ?, stdout = ?, stderr = ?
		 WHERE id = ? AND status = ?`,
		string(out.Status), finished.UnixMilli(), exitCode, out.Stdout, out.Stderr,
		id, string(model.StatusRunning))
	if err != nil {
		return fmt.Errorf("finish command %d: %w", id, err)
	}
	return expectOne(res, id)
}

// Rearm moves commands with one of statuses back to pending and clears
// their previous outcome
func (db *DB) Rearm(ctx context.Context, workspace int64, statuses ...model.Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{string(model.StatusPending), workspace}
	for _, s := range statuses {
		if !s.Terminal() {
			return 0, fmt.Errorf("rearm: %w: %s", model.ErrInvalidStatus, s)
		}
		args = append(args, string(s))
	}
	res, err := db.ExecContext(ctx,
		`UPDATE command SET status = ?, run_id = '', started_at = NULL, finished_at = NULL,
		   exit_code = NULL, stdout = NULL, stderr = NULL
		 WHERE workspace_id = ? AND status IN (`+placeholders(len(statuses))+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("rearm commands: %w", err)
	}
	return res.RowsAffected()
}

// RecoverOrphans marks commands left running by a killed process as terminated
func (db *DB) RecoverOrphans(ctx context.Context, workspace int64) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE command SET status = ?, finished_at = ? WHERE workspace_id = ? AND status = ?`,
		string(model.StatusTerminated), db.now().UnixMilli(), workspace, string(model.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("recover orphaned commands: %w", err)
	}
	return res.RowsAffected()
}

// StatusCounts returns the number of commands per status
func (db *DB) StatusCounts(ctx context.Context, workspace int64) (map[model.Status]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM command WHERE workspace_id = ? GROUP BY status`, workspace)
	if err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}
	defer rows.Close()

	ret := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		ret[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}
	return ret, nil
}

func expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("command %d: %w", id, err)
	}
	if n != 1 {
		return fmt.Errorf("command %d: %w", id, ErrNotRunning)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (model.Command, error) {
	var (
		cmd                        model.Command
		target, argv, status       string
		timeoutMS                  int64
		delayMS, exitCode          sql.NullInt64
		created, started, finished sql.NullInt64
	)
	err := row.Scan(&cmd.ID, &cmd.Target.Workspace, &cmd.Collector, &target, &argv, &timeoutMS, &delayMS,
		&status, &cmd.RunID, &created, &started, &finished, &exitCode, &cmd.Stdout, &cmd.Stderr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Command{}, err
		}
		return model.Command{}, fmt.Errorf("scan command: %w", err)
	}
	if err := json.Unmarshal([]byte(target), &cmd.Target); err != nil {
		return model.Command{}, fmt.Errorf("command %d target: %w", cmd.ID, err)
	}
	if err := json.Unmarshal([]byte(argv), &cmd.Argv); err != nil {
		return model.Command{}, fmt.Errorf("command %d argv: %w", cmd.ID, err)
	}
	cmd.Status = model.Status(status)
	cmd.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if delayMS.Valid {
		d := time.Duration(delayMS.Int64) * time.Millisecond
		cmd.Delay = &d
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		cmd.ExitCode = &c
	}
	cmd.Created = fromMillis(created)
	cmd.Started = fromMillis(started)
	cmd.Finished = fromMillis(finished)
	return cmd, nil
}
