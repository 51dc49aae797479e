package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"doppel/internal/logging"
)

// CurrentSchemaVersion is the schema this build expects. Migrations apply
// every step above the database's PRAGMA user_version, each in its own
// transaction. There are no backward migrations.
const CurrentSchemaVersion = 3

// schemaV1 is the base schema. Later versions only add columns; base tables
// are never altered retroactively.
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS outcomes (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		brief            TEXT NOT NULL DEFAULT '',
		intent           TEXT NOT NULL DEFAULT '',
		design_approach  TEXT NOT NULL DEFAULT '',
		design_version   INTEGER NOT NULL DEFAULT 1,
		status           TEXT NOT NULL,
		capability_ready INTEGER NOT NULL DEFAULT 0,
		parent_id        TEXT NOT NULL DEFAULT '',
		depth            INTEGER NOT NULL DEFAULT 0,
		is_ongoing       INTEGER NOT NULL DEFAULT 0,
		git_config       TEXT NOT NULL DEFAULT '',
		save_target      TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_parent ON outcomes(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_status ON outcomes(status)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		outcome_id   TEXT NOT NULL,
		title        TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		priority     INTEGER NOT NULL DEFAULT 100,
		score        REAL NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		claimed_by   TEXT NOT NULL DEFAULT '',
		claimed_at   INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0,
		phase        TEXT NOT NULL DEFAULT 'execution',
		depends_on   TEXT NOT NULL DEFAULT '',
		from_review  INTEGER NOT NULL DEFAULT 0,
		review_cycle INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_outcome_status ON tasks(outcome_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_outcome_priority ON tasks(outcome_id, priority, created_at, id)`,

	`CREATE TABLE IF NOT EXISTS workers (
		id              TEXT PRIMARY KEY,
		outcome_id      TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		current_task_id TEXT NOT NULL DEFAULT '',
		iteration       INTEGER NOT NULL DEFAULT 0,
		last_heartbeat  INTEGER NOT NULL DEFAULT 0,
		cost_usd        REAL NOT NULL DEFAULT 0,
		pid             INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_status_heartbeat ON workers(status, last_heartbeat)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_outcome ON workers(outcome_id)`,

	`CREATE TABLE IF NOT EXISTS progress_entries (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome_id     TEXT NOT NULL,
		worker_id      TEXT NOT NULL,
		iteration      INTEGER NOT NULL DEFAULT 0,
		task_id        TEXT NOT NULL DEFAULT '',
		content        TEXT NOT NULL DEFAULT '',
		full_output    TEXT NOT NULL DEFAULT '',
		compacted      INTEGER NOT NULL DEFAULT 0,
		compacted_into INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_progress_worker ON progress_entries(worker_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_progress_worker_task ON progress_entries(worker_id, task_id, compacted)`,

	`CREATE TABLE IF NOT EXISTS discoveries (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome_id     TEXT NOT NULL,
		type           TEXT NOT NULL,
		content        TEXT NOT NULL,
		source_task_id TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_discoveries_outcome ON discoveries(outcome_id, id)`,

	`CREATE TABLE IF NOT EXISTS decisions (
		id             TEXT PRIMARY KEY,
		outcome_id     TEXT NOT NULL,
		content        TEXT NOT NULL,
		made_by        TEXT NOT NULL DEFAULT '',
		context        TEXT NOT NULL DEFAULT '',
		affected_areas TEXT NOT NULL DEFAULT '',
		made_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome_id, made_at)`,

	`CREATE TABLE IF NOT EXISTS constraints (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome_id TEXT NOT NULL,
		rule       TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		added_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_constraints_outcome ON constraints(outcome_id, id)`,

	`CREATE TABLE IF NOT EXISTS injections (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome_id  TEXT NOT NULL,
		task_id     TEXT NOT NULL,
		content     TEXT NOT NULL,
		injected_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_injections_task ON injections(outcome_id, task_id)`,

	`CREATE TABLE IF NOT EXISTS observations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome_id TEXT NOT NULL,
		task_id    TEXT NOT NULL DEFAULT '',
		worker_id  TEXT NOT NULL DEFAULT '',
		concerns   TEXT NOT NULL DEFAULT '',
		next_steps TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_observations_outcome ON observations(outcome_id, id)`,

	`CREATE TABLE IF NOT EXISTS escalations (
		id               TEXT PRIMARY KEY,
		outcome_id       TEXT NOT NULL,
		status           TEXT NOT NULL,
		trigger_type     TEXT NOT NULL,
		trigger_task_id  TEXT NOT NULL DEFAULT '',
		evidence         TEXT NOT NULL DEFAULT '',
		question_text    TEXT NOT NULL DEFAULT '',
		question_context TEXT NOT NULL DEFAULT '',
		options          TEXT NOT NULL DEFAULT '',
		answer_option    TEXT NOT NULL DEFAULT '',
		answer_context   TEXT NOT NULL DEFAULT '',
		answered_at      INTEGER NOT NULL DEFAULT 0,
		affected_tasks   TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_escalations_outcome_status ON escalations(outcome_id, status)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		severity    TEXT NOT NULL,
		target_kind TEXT NOT NULL,
		target_id   TEXT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		active      INTEGER NOT NULL DEFAULT 1,
		created_at  INTEGER NOT NULL,
		resolved_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts(active, type)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_target ON alerts(target_kind, target_id)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		outcome_id       TEXT NOT NULL DEFAULT '',
		job_type         TEXT NOT NULL,
		status           TEXT NOT NULL,
		progress_message TEXT NOT NULL DEFAULT '',
		payload          TEXT NOT NULL DEFAULT '',
		result           TEXT NOT NULL DEFAULT '',
		error            TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		started_at       INTEGER NOT NULL DEFAULT 0,
		completed_at     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_outcome_type_status ON jobs(outcome_id, job_type, status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,

	`CREATE TABLE IF NOT EXISTS activity (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome_id TEXT NOT NULL,
		kind       TEXT NOT NULL,
		message    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_outcome_time ON activity(outcome_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS review_cycles (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		outcome_id  TEXT NOT NULL,
		cycle       INTEGER NOT NULL,
		open_issues INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_review_outcome ON review_cycles(outcome_id, cycle)`,
}

// columnMigration adds one column to an existing table.
type columnMigration struct {
	table  string
	column string
	def    string
}

// columnMigrations holds the additive steps above v1, keyed by target
// version. v2 arrived with supervisor auto-resolve; v3 with git isolation.
var columnMigrations = map[int][]columnMigration{
	2: {
		{"outcomes", "auto_resolve", "INTEGER NOT NULL DEFAULT 0"},
		{"outcomes", "cost_cap_usd", "REAL NOT NULL DEFAULT 0"},
	},
	3: {
		{"workers", "branch_name", "TEXT NOT NULL DEFAULT ''"},
		{"workers", "worktree_path", "TEXT NOT NULL DEFAULT ''"},
	},
}

// migrate brings the database to CurrentSchemaVersion.
func (s *Store) migrate() error {
	log := logging.Get(logging.CategoryStore)

	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, CurrentSchemaVersion)
	}

	for v := version + 1; v <= CurrentSchemaVersion; v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", v, err)
		}
		if err := applyMigration(tx, v); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", v, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", v, err)
		}
		log.Info("applied schema migration", zap.Int("version", v))
	}
	return nil
}

// schemaVersion reads PRAGMA user_version.
func (s *Store) schemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func applyMigration(tx *sql.Tx, version int) error {
	if version == 1 {
		for _, stmt := range schemaV1 {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("base schema statement failed: %w", err)
			}
		}
		return nil
	}

	for _, m := range columnMigrations[version] {
		exists, err := columnExists(tx, m.table, m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

// columnExists probes PRAGMA table_info for a column.
func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
