package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"voiceagent/models"
)

type PostgresStore struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, dsn, table string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", withSSLModeDefault(dsn))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db, table: pq.QuoteIdentifier(table), logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// withSSLModeDefault disables TLS unless the DSN says otherwise.
func withSSLModeDefault(dsn string) string {
	if strings.Contains(dsn, "sslmode=") {
		return dsn
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if strings.Contains(dsn, "?") {
			return dsn + "&sslmode=disable"
		}
		return dsn + "?sslmode=disable"
	}
	return strings.TrimSpace(dsn + " sslmode=disable")
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
            call_sid        TEXT PRIMARY KEY,
            start_time      TIMESTAMPTZ NOT NULL,
            end_time        TIMESTAMPTZ NOT NULL,
            status          TEXT NOT NULL,
            end_reason      TEXT NOT NULL,
            exchanges       JSONB NOT NULL,
            full_transcript TEXT NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier(strings.Trim(s.table, `"`)+"_end_time_idx") +
			` ON ` + s.table + ` (end_time DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec models.TranscriptRecord) error {
	exchanges, err := json.Marshal(rec.Exchanges)
	if err != nil {
		return fmt.Errorf("encode exchanges: %w", err)
	}

	query := `
        INSERT INTO ` + s.table + `
        (call_sid, start_time, end_time, status, end_reason, exchanges, full_transcript)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (call_sid)
        DO UPDATE SET
            start_time = EXCLUDED.start_time,
            end_time = EXCLUDED.end_time,
            status = EXCLUDED.status,
            end_reason = EXCLUDED.end_reason,
            exchanges = EXCLUDED.exchanges,
            full_transcript = EXCLUDED.full_transcript
    `
	_, err = s.db.ExecContext(ctx, query,
		rec.CallSID, rec.StartTime.UTC(), rec.EndTime.UTC(),
		string(rec.Status), string(rec.EndReason), string(exchanges), rec.FullTranscript)
	if err != nil {
		return fmt.Errorf("postgres upsert %s: %w", rec.CallSID, err)
	}
	s.logger.DebugContext(ctx, "transcript saved", "backend", "postgres", "call_sid", rec.CallSID)
	return nil
}

const selectTranscriptColumns = `call_sid, start_time, end_time, status, end_reason, exchanges, full_transcript`

func (s *PostgresStore) Get(ctx context.Context, callSID string) (models.TranscriptRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectTranscriptColumns+` FROM `+s.table+` WHERE call_sid = $1`, callSID)
	rec, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TranscriptRecord{}, ErrTranscriptNotFound
	}
	if err != nil {
		return models.TranscriptRecord{}, fmt.Errorf("postgres get %s: %w", callSID, err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]models.TranscriptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectTranscriptColumns+` FROM `+s.table+` ORDER BY end_time DESC, call_sid LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}
	defer rows.Close()

	var recs []models.TranscriptRecord
	for rows.Next() {
		rec, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres list: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row rowScanner) (models.TranscriptRecord, error) {
	var (
		rec       models.TranscriptRecord
		status    string
		reason    string
		exchanges []byte
	)
	if err := row.Scan(&rec.CallSID, &rec.StartTime, &rec.EndTime, &status, &reason, &exchanges, &rec.FullTranscript); err != nil {
		return models.TranscriptRecord{}, err
	}
	rec.Status = models.TranscriptStatus(status)
	rec.EndReason = models.EndReason(reason)
	rec.StartTime = rec.StartTime.UTC()
	rec.EndTime = rec.EndTime.UTC()
	if err := json.Unmarshal(exchanges, &rec.Exchanges); err != nil {
		return models.TranscriptRecord{}, fmt.Errorf("decode exchanges of %s: %w", rec.CallSID, err)
	}
	if rec.Exchanges == nil {
		rec.Exchanges = []models.Exchange{}
	}
	return rec, nil
}
