package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/playbookops/conductor/runtime/execution"
	"github.com/playbookops/conductor/service/dao"
	"github.com/playbookops/conductor/service/dao/criteria"
)

// Store keeps runs and step instances in a single sqlite database. Records
// are stored as JSON documents alongside the indexed columns needed for
// listing; run saves are guarded by a conditional UPDATE on the stored SCN
// so optimistic concurrency holds across processes sharing the file.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) a sqlite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		playbook TEXT NOT NULL,
		status TEXT NOT NULL,
		scn INTEGER NOT NULL DEFAULT 0,
		document TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		status TEXT NOT NULL,
		document TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Runs returns a dao.Service view over the runs table.
func (s *Store) Runs() dao.Service[string, execution.Run] { return &runDAO{db: s.db} }

// Steps returns a dao.Service view over the steps table.
func (s *Store) Steps() dao.Service[string, execution.StepInstance] { return &stepDAO{db: s.db} }

type runDAO struct {
	db *sql.DB
}

var _ dao.Service[string, execution.Run] = (*runDAO)(nil)

func (d *runDAO) Save(ctx context.Context, run *execution.Run) error {
	if run == nil {
		return dao.ErrNilEntity
	}
	if run.ID == "" {
		return dao.ErrInvalidID
	}
	next := run.Clone()
	next.SCN++
	document, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}

	result, err := d.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, scn = ?, document = ? WHERE id = ? AND scn = ?`,
		string(next.Status), next.SCN, string(document), run.ID, run.SCN,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the run does not exist yet, or the caller is stale.
		_, err = d.db.ExecContext(ctx,
			`INSERT INTO runs (id, playbook, status, scn, document) VALUES (?, ?, ?, ?, ?)`,
			run.ID, run.PlaybookName, string(next.Status), next.SCN, string(document),
		)
		if err != nil {
			return dao.ErrVersionConflict
		}
	}
	run.SCN = next.SCN
	return nil
}

func (d *runDAO) Load(ctx context.Context, id string) (*execution.Run, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}
	row := d.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE id = ?`, id)
	var document string
	if err := row.Scan(&document); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dao.ErrNotFound
		}
		return nil, err
	}
	var run execution.Run
	if err := json.Unmarshal([]byte(document), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
	}
	return &run, nil
}

func (d *runDAO) Delete(ctx context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}
	result, err := d.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return dao.ErrNotFound
	}
	return nil
}

func (d *runDAO) List(ctx context.Context, parameters ...*dao.Parameter) ([]*execution.Run, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT document FROM runs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*execution.Run
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		var run execution.Run
		if err := json.Unmarshal([]byte(document), &run); err != nil {
			continue
		}
		if !criteria.FilterByField("Status", string(run.Status), parameters) {
			continue
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

type stepDAO struct {
	db *sql.DB
}

var _ dao.Service[string, execution.StepInstance] = (*stepDAO)(nil)

func (d *stepDAO) Save(ctx context.Context, step *execution.StepInstance) error {
	if step == nil {
		return dao.ErrNilEntity
	}
	if step.ID == "" {
		return dao.ErrInvalidID
	}
	document, err := json.Marshal(step.Clone())
	if err != nil {
		return fmt.Errorf("failed to marshal step %s: %w", step.ID, err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, step_id, status, document) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, document = excluded.document`,
		step.ID, step.RunID, step.StepID, string(step.GetStatus()), string(document),
	)
	return err
}

func (d *stepDAO) Load(ctx context.Context, id string) (*execution.StepInstance, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}
	row := d.db.QueryRowContext(ctx, `SELECT document FROM steps WHERE id = ?`, id)
	var document string
	if err := row.Scan(&document); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dao.ErrNotFound
		}
		return nil, err
	}
	var step execution.StepInstance
	if err := json.Unmarshal([]byte(document), &step); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step %s: %w", id, err)
	}
	return &step, nil
}

func (d *stepDAO) Delete(ctx context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}
	result, err := d.db.ExecContext(ctx, `DELETE FROM steps WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return dao.ErrNotFound
	}
	return nil
}

func (d *stepDAO) List(ctx context.Context, parameters ...*dao.Parameter) ([]*execution.StepInstance, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT document FROM steps`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*execution.StepInstance
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		var step execution.StepInstance
		if err := json.Unmarshal([]byte(document), &step); err != nil {
			continue
		}
		if !criteria.FilterByField("RunID", step.RunID, parameters) {
			continue
		}
		if !criteria.FilterByField("Status", string(step.Status), parameters) {
			continue
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}
