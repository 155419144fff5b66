package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ILLUVRSE/account-pool/internal/models"
)

// Schema creates the resources table and the status index used by acquire scans and counts.
const Schema = `
	CREATE TABLE IF NOT EXISTS resources (
		id            TEXT PRIMARY KEY,
		status        TEXT NOT NULL,
		account_id    TEXT NOT NULL DEFAULT '',
		role_arn      TEXT NOT NULL,
		holder        TEXT NOT NULL DEFAULT '',
		version       BIGINT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		last_updated  TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS resources_status_idx ON resources (status, last_updated);
`

const resourceColumns = `id, status, account_id, role_arn, holder, version, registered_at, last_updated`

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (models.Resource, error) {
	var (
		r      models.Resource
		status string
	)
	err := row.Scan(
		&r.ID,
		&status,
		&r.Descriptor.AccountID,
		&r.Descriptor.RoleARN,
		&r.Holder,
		&r.Version,
		&r.RegisteredAt,
		&r.LastUpdated,
	)
	if err != nil {
		return models.Resource{}, err
	}
	r.Status = models.Status(status)
	return r, nil
}

func (s *PGStore) Create(ctx context.Context, in CreateInput) (models.Resource, error) {
	query := `
		INSERT INTO resources (id, status, account_id, role_arn, holder, version, registered_at, last_updated)
		VALUES ($1,$2,$3,$4,'',1,$5,$5)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, in.ID, string(models.StatusAvailable), in.Descriptor.AccountID, in.Descriptor.RoleARN, in.At)
	if err != nil {
		return models.Resource{}, fmt.Errorf("insert resource: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Resource{}, fmt.Errorf("insert resource: %w", err)
	}
	if affected == 0 {
		return models.Resource{}, ErrDuplicate
	}
	return newResource(in), nil
}

func (s *PGStore) Get(ctx context.Context, id string) (models.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id=$1`
	r, err := scanResource(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Resource{}, ErrNotFound
		}
		return models.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	return r, nil
}

func (s *PGStore) List(ctx context.Context) ([]models.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources ORDER BY id`
	return s.query(ctx, "list resources", query)
}

func (s *PGStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Resource, error) {
	if limit > 0 {
		query := `SELECT ` + resourceColumns + ` FROM resources WHERE status=$1 ORDER BY last_updated LIMIT $2`
		return s.query(ctx, "list resources by status", query, string(status), limit)
	}
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE status=$1 ORDER BY last_updated`
	return s.query(ctx, "list resources by status", query, string(status))
}

func (s *PGStore) query(ctx context.Context, op, query string, args ...any) ([]models.Resource, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	out := []models.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *PGStore) CompareAndSwap(ctx context.Context, in SwapInput) (models.Resource, error) {
	query := `
		UPDATE resources
		SET status=$4,
		    holder=$5,
		    last_updated=$6,
		    version=version+1
		WHERE id=$1 AND status=$2 AND version=$3
		RETURNING ` + resourceColumns
	r, err := scanResource(s.db.QueryRowContext(ctx, query, in.ID, string(in.ExpectStatus), in.ExpectVersion, string(in.Status), in.Holder, in.At))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Resource{}, fmt.Errorf("swap resource: %w", err)
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM resources WHERE id=$1)`, in.ID).Scan(&exists); err != nil {
		return models.Resource{}, fmt.Errorf("swap resource: check existence: %w", err)
	}
	if !exists {
		return models.Resource{}, ErrNotFound
	}
	return models.Resource{}, ErrConflict
}

func (s *PGStore) Overwrite(ctx context.Context, in OverwriteInput) (models.Resource, error) {
	query := `
		UPDATE resources
		SET status=$2,
		    holder=$3,
		    last_updated=$4,
		    version=version+1
		WHERE id=$1
		RETURNING ` + resourceColumns
	r, err := scanResource(s.db.QueryRowContext(ctx, query, in.ID, string(in.Status), in.Holder, in.At))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Resource{}, ErrNotFound
		}
		return models.Resource{}, fmt.Errorf("overwrite resource: %w", err)
	}
	return r, nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Counts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM resources GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("count resources: %w", err)
	}
	defer rows.Close()
	var c Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("count resources: scan: %w", err)
		}
		switch models.Status(status) {
		case models.StatusAvailable:
			c.Available += n
		case models.StatusInUse:
			c.InUse += n
		}
		c.Total += n
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("count resources: %w", err)
	}
	return c, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
