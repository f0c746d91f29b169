//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	logx "streamsched/pkg/logx"
	"strings"
	"sync/atomic"
	"time"

	"streamsched/internal/streamsched"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert implements the streamsched.ScheduleStore contract (§6). Spec and
// ProgramRef are stored as JSON blobs; the scalar watermark/active columns
// stay queryable for operator diagnostics without a JSON1 extension.
func (s *sqliteStore) Upsert(ctx context.Context, rec TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	specJSON, err := json.Marshal(rec.Spec)
	if err != nil {
		return err
	}
	programJSON, err := json.Marshal(rec.ProgramRef)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(schedule_id, stream_name, spec_json, program_json, base_size, base_ts, active)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(schedule_id) DO UPDATE SET
		   stream_name=excluded.stream_name,
		   spec_json=excluded.spec_json,
		   program_json=excluded.program_json,
		   base_size=excluded.base_size,
		   base_ts=excluded.base_ts,
		   active=excluded.active`,
		rec.ScheduleId.String(), rec.StreamName, string(specJSON), string(programJSON),
		rec.BaseSize, rec.BaseTs, boolToInt(rec.Active),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, id ScheduleId) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE schedule_id = ?`, id.String())
	return err
}

func (s *sqliteStore) ListAll(ctx context.Context) ([]TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT schedule_id, stream_name, spec_json, program_json, base_size, base_ts, active FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var idStr, streamName, specJSON, programJSON string
		var baseSize, baseTs, activeInt int64
		if err := rows.Scan(&idStr, &streamName, &specJSON, &programJSON, &baseSize, &baseTs, &activeInt); err != nil {
			return nil, err
		}
		id, err := streamsched.ParseScheduleId(idStr)
		if err != nil {
			s.log.Warn("storage: dropping row with unparsable schedule id", logx.String("id", idStr), logx.Err(err))
			continue
		}
		var spec streamsched.ScheduleSpec
		if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
			return nil, err
		}
		var programRef streamsched.ProgramRef
		if err := json.Unmarshal([]byte(programJSON), &programRef); err != nil {
			return nil, err
		}
		out = append(out, TaskRecord{
			ScheduleId: id,
			StreamName: streamName,
			Spec:       spec,
			ProgramRef: programRef,
			BaseSize:   baseSize,
			BaseTs:     baseTs,
			Active:     activeInt != 0,
		})
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, schedule_id, action, ok, err, meta) VALUES(?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ScheduleId, e.Action, boolToInt(e.OK), nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
