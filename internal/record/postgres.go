package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

// PostgresStore implements Store using Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new store with an existing *sql.DB.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens dsn with the lib/pq driver.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db), nil
}

// Close closes the underlying pool.
func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate creates the schema when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS build_records (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			config_revision INTEGER NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			temporary BOOLEAN NOT NULL DEFAULT FALSE,
			no_rebuild_cause TEXT NULL,
			phases JSONB NOT NULL DEFAULT '{}',
			dependency_revisions JSONB NOT NULL DEFAULT '{}',
			dependency_records JSONB NOT NULL DEFAULT '{}',
			submit_time TIMESTAMPTZ NOT NULL,
			start_time TIMESTAMPTZ NULL,
			end_time TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_build_records_run ON build_records(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_build_records_cause ON build_records(no_rebuild_cause)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			identifier TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			digest TEXT NOT NULL DEFAULT '',
			quality TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS record_artifacts (
			record_id TEXT NOT NULL REFERENCES build_records(id) ON DELETE CASCADE,
			artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			PRIMARY KEY (record_id, artifact_id, role)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_record_artifacts_artifact ON record_artifacts(artifact_id)`,
	}
	for _, m := range migrations {
		if _, err := p.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const (
	roleProduced = "produced"
	roleConsumed = "consumed"
)

func (p *PostgresStore) Create(ctx context.Context, rec Record) error {
	phases, err := json.Marshal(rec.Phases)
	if err != nil {
		return fmt.Errorf("encode phases: %w", err)
	}
	depRevs, _ := json.Marshal(nonNilInts(rec.DependencyRevisions))
	depRecs, _ := json.Marshal(nonNilStrings(rec.DependencyRecords))

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO build_records (id, run_id, node_id, config_revision, status, result, reason,
			temporary, no_rebuild_cause, phases, dependency_revisions, dependency_records,
			submit_time, start_time, end_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.RunID, rec.NodeID, rec.ConfigRevision, string(rec.Status), string(rec.Result), rec.Reason,
		rec.Temporary, nullString(rec.NoRebuildCause), phases, depRevs, depRecs,
		rec.SubmitTime, nullTime(rec), rec.EndTime)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	if err := insertArtifacts(ctx, tx, rec.ID, roleProduced, rec.Produced); err != nil {
		return err
	}
	if err := insertArtifacts(ctx, tx, rec.ID, roleConsumed, rec.Consumed); err != nil {
		return err
	}
	return tx.Commit()
}

func insertArtifacts(ctx context.Context, tx *sql.Tx, recordID, role string, arts []artifact.Artifact) error {
	upsert := `
		INSERT INTO artifacts (id, identifier, name, version, digest, quality, path, size)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`
	if role == roleProduced {
		upsert = `
		INSERT INTO artifacts (id, identifier, name, version, digest, quality, path, size)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET quality = EXCLUDED.quality, path = EXCLUDED.path`
	}
	for _, a := range arts {
		if _, err := tx.ExecContext(ctx, upsert,
			a.ID, a.Identifier, a.Name, a.Version, a.Digest, string(a.Quality), a.Path, a.Size); err != nil {
			return fmt.Errorf("upsert artifact %s: %w", a.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO record_artifacts (record_id, artifact_id, role) VALUES ($1,$2,$3)
			ON CONFLICT DO NOTHING`, recordID, a.ID, role); err != nil {
			return fmt.Errorf("link artifact %s: %w", a.ID, err)
		}
	}
	return nil
}

const recordColumns = `id, run_id, node_id, config_revision, status, result, reason, temporary,
	no_rebuild_cause, phases, dependency_revisions, dependency_records, submit_time, start_time, end_time`

func (p *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM build_records WHERE id = $1`, id)
	if err != nil {
		return Record{}, err
	}
	recs, err := p.scan(ctx, rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return recs[0], nil
}

func (p *PostgresStore) ByRun(ctx context.Context, runID string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM build_records WHERE run_id = $1 ORDER BY node_id, id`, runID)
	if err != nil {
		return nil, err
	}
	return p.scan(ctx, rows)
}

func (p *PostgresStore) FreeRiders(ctx context.Context, id string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM build_records WHERE no_rebuild_cause = $1 AND id <> $1 ORDER BY node_id, id`, id)
	if err != nil {
		return nil, err
	}
	return p.scan(ctx, rows)
}

func (p *PostgresStore) ArtifactReferences(ctx context.Context, artifactID string, exclude []string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT record_id) FROM record_artifacts
		WHERE artifact_id = $1 AND NOT (record_id = ANY($2))`,
		artifactID, pq.Array(nonNilSlice(exclude))).Scan(&n)
	return n, err
}

func (p *PostgresStore) Purge(ctx context.Context, pg Purge) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if len(pg.ClearCause) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE build_records SET no_rebuild_cause = NULL WHERE id = ANY($1)`, pq.Array(pg.ClearCause)); err != nil {
			return fmt.Errorf("clear no-rebuild cause: %w", err)
		}
	}
	if len(pg.MarkDeleted) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE artifacts SET quality = $1 WHERE id = ANY($2)`,
			string(artifact.QualityDeleted), pq.Array(pg.MarkDeleted)); err != nil {
			return fmt.Errorf("mark artifacts deleted: %w", err)
		}
	}
	for _, id := range pg.Records {
		res, err := tx.ExecContext(ctx, `DELETE FROM build_records WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete record %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	if len(pg.DeleteArtifacts) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM artifacts WHERE id = ANY($1)`, pq.Array(pg.DeleteArtifacts)); err != nil {
			return fmt.Errorf("delete artifacts: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) scan(ctx context.Context, rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec                     Record
			st, result              string
			cause                   sql.NullString
			start                   sql.NullTime
			phases, depRevs, depRec []byte
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.NodeID, &rec.ConfigRevision, &st, &result, &rec.Reason,
			&rec.Temporary, &cause, &phases, &depRevs, &depRec, &rec.SubmitTime, &start, &rec.EndTime); err != nil {
			return nil, err
		}
		rec.Status = status.Node(st)
		rec.Result = status.Result(result)
		rec.NoRebuildCause = cause.String
		if start.Valid {
			rec.StartTime = start.Time
		}
		if err := json.Unmarshal(phases, &rec.Phases); err != nil {
			return nil, fmt.Errorf("decode phases of %s: %w", rec.ID, err)
		}
		_ = json.Unmarshal(depRevs, &rec.DependencyRevisions)
		_ = json.Unmarshal(depRec, &rec.DependencyRecords)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := p.loadArtifacts(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresStore) loadArtifacts(ctx context.Context, rec *Record) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ra.role, a.id, a.identifier, a.name, a.version, a.digest, a.quality, a.path, a.size
		FROM record_artifacts ra JOIN artifacts a ON a.id = ra.artifact_id
		WHERE ra.record_id = $1 ORDER BY a.id`, rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			role    string
			quality string
			a       artifact.Artifact
		)
		if err := rows.Scan(&role, &a.ID, &a.Identifier, &a.Name, &a.Version, &a.Digest, &quality, &a.Path, &a.Size); err != nil {
			return err
		}
		a.Quality = artifact.Quality(quality)
		if role == roleProduced {
			rec.Produced = append(rec.Produced, a)
		} else {
			rec.Consumed = append(rec.Consumed, a)
		}
	}
	return rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(rec Record) sql.NullTime {
	return sql.NullTime{Time: rec.StartTime, Valid: !rec.StartTime.IsZero()}
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilInts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func nonNilStrings(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint error.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
