package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"apigen/internal/apierr"
	"apigen/internal/model"
)

// Store owns the sole database handle. Writes go through transactions. The
// pool holds a single connection, so reads and writes are serialized through
// it rather than running concurrently.
type Store struct {
	DB *sql.DB
}

const writeAttempts = 3

// timeFormat is RFC3339 with fixed-width nanoseconds so stored timestamps
// order lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Open creates (or reopens) the sqlite database at path and applies all
// pending migrations from the embedded filesystem.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// The pure-Go driver serializes writes; a single connection (shared by
	// reads and writes) avoids SQLITE_BUSY churn under concurrent handlers.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{DB: conn}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// InsertEndpoint writes one endpoint row inside a transaction. A duplicate
// endpoint_id returns ErrConflict so the caller can regenerate the suffix.
func (s *Store) InsertEndpoint(ctx context.Context, rec model.EndpointRecord) error {
	jsonData, err := json.Marshal(rec.JSONData)
	if err != nil {
		return apierr.Wrap(apierr.KindStoreCreation, err, "serialize endpoint data")
	}
	sourceURLs, err := json.Marshal(rec.SourceURLs)
	if err != nil {
		return apierr.Wrap(apierr.KindStoreCreation, err, "serialize source urls")
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return apierr.Wrap(apierr.KindStoreCreation, err, "serialize fields")
	}

	return s.withWriteRetry(ctx, func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO endpoints (endpoint_id, json_data, description, source_urls,
			                       records_count, fields, parsing_timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.EndpointID,
			string(jsonData),
			rec.Description,
			string(sourceURLs),
			rec.RecordsCount,
			string(fields),
			rec.ParsingTimestamp.UTC().Format(timeFormat),
			rec.CreatedAt.UTC().Format(timeFormat),
		)
		if err != nil {
			if isConflict(err) {
				return ErrConflict
			}
			return err
		}
		return tx.Commit()
	})
}

// ErrConflict reports a primary-key collision on insert.
var ErrConflict = errors.New("endpoint id already exists")

func isConflict(err error) bool {
	// modernc.org/sqlite surfaces constraint violations by message; the
	// driver's error codes are not part of its stable API.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}

// withWriteRetry retries transient write failures with a short exponential
// backoff. Conflicts and context cancellation are surfaced immediately.
func (s *Store) withWriteRetry(ctx context.Context, fn func() error) error {
	delay := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrConflict) || ctx.Err() != nil {
			return err
		}
		if !strings.Contains(strings.ToLower(err.Error()), "busy") &&
			!strings.Contains(strings.ToLower(err.Error()), "locked") {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

// GetEndpoint reads and deserializes one row. A missing row returns
// (nil, nil).
func (s *Store) GetEndpoint(ctx context.Context, endpointID string) (*model.EndpointRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT endpoint_id, json_data, description, source_urls,
		       records_count, fields, parsing_timestamp, created_at
		FROM endpoints WHERE endpoint_id = ?`, endpointID)

	rec, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListEndpoints returns all rows ordered by created_at descending.
func (s *Store) ListEndpoints(ctx context.Context) ([]model.EndpointRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT endpoint_id, json_data, description, source_urls,
		       records_count, fields, parsing_timestamp, created_at
		FROM endpoints ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EndpointRecord
	for rows.Next() {
		rec, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteEndpoint removes one row; it reports whether a row was removed.
func (s *Store) DeleteEndpoint(ctx context.Context, endpointID string) (bool, error) {
	var removed bool
	err := s.withWriteRetry(ctx, func() error {
		res, err := s.DB.ExecContext(ctx, `DELETE FROM endpoints WHERE endpoint_id = ?`, endpointID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	return removed, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (*model.EndpointRecord, error) {
	var (
		rec                          model.EndpointRecord
		jsonData, sourceURLs, fields sql.NullString
		description                  sql.NullString
		recordsCount                 sql.NullInt64
		parsingTS, createdAt         string
	)
	if err := row.Scan(&rec.EndpointID, &jsonData, &description, &sourceURLs,
		&recordsCount, &fields, &parsingTS, &createdAt); err != nil {
		return nil, err
	}

	rec.Description = description.String
	rec.RecordsCount = int(recordsCount.Int64)

	if jsonData.Valid && jsonData.String != "" {
		if err := json.Unmarshal([]byte(jsonData.String), &rec.JSONData); err != nil {
			return nil, fmt.Errorf("decode endpoint %s json_data: %w", rec.EndpointID, err)
		}
	}
	if sourceURLs.Valid && sourceURLs.String != "" {
		if err := json.Unmarshal([]byte(sourceURLs.String), &rec.SourceURLs); err != nil {
			return nil, fmt.Errorf("decode endpoint %s source_urls: %w", rec.EndpointID, err)
		}
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode endpoint %s fields: %w", rec.EndpointID, err)
		}
	}

	if ts, err := time.Parse(time.RFC3339Nano, parsingTS); err == nil {
		rec.ParsingTimestamp = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = ts
	}
	return &rec, nil
}
