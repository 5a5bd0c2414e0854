package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/echoport/echoport/internal/model"
)

const targetColumns = `id, name, description, icon, service, db_path, backup_files,
	schedule, status, retention_days, timeout_seconds, storage_bucket, service_name,
	created_at, updated_at`

// TargetStore is the persistence layer for backup targets.
type TargetStore struct {
	db DB
}

func NewTargetStore(db DB) *TargetStore {
	return &TargetStore{db: db}
}

func (s *TargetStore) Create(ctx context.Context, t *model.Target) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO targets (id, name, description, icon, service, db_path, backup_files,
		 schedule, status, retention_days, timeout_seconds, storage_bucket, service_name,
		 created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.Name, t.Description, t.Icon, t.Service, t.DBPath, t.BackupFiles,
		t.Schedule, t.Status, t.RetentionDays, t.TimeoutSeconds, t.StorageBucket,
		t.ServiceName, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

// UpsertByName inserts the target or updates an existing row with the same
// name. Used by echoportctl apply-targets; the created_at of an existing row
// is preserved.
func (s *TargetStore) UpsertByName(ctx context.Context, t *model.Target) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO targets (id, name, description, icon, service, db_path, backup_files,
		 schedule, status, retention_days, timeout_seconds, storage_bucket, service_name,
		 created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (name) DO UPDATE SET
		   description = EXCLUDED.description,
		   icon = EXCLUDED.icon,
		   service = EXCLUDED.service,
		   db_path = EXCLUDED.db_path,
		   backup_files = EXCLUDED.backup_files,
		   schedule = EXCLUDED.schedule,
		   status = EXCLUDED.status,
		   retention_days = EXCLUDED.retention_days,
		   timeout_seconds = EXCLUDED.timeout_seconds,
		   storage_bucket = EXCLUDED.storage_bucket,
		   service_name = EXCLUDED.service_name,
		   updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Description, t.Icon, t.Service, t.DBPath, t.BackupFiles,
		t.Schedule, t.Status, t.RetentionDays, t.TimeoutSeconds, t.StorageBucket,
		t.ServiceName, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert target %s: %w", t.Name, err)
	}
	return nil
}

func (s *TargetStore) GetByID(ctx context.Context, id string) (*model.Target, error) {
	return s.get(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
}

func (s *TargetStore) GetByName(ctx context.Context, name string) (*model.Target, error) {
	return s.get(ctx, `SELECT `+targetColumns+` FROM targets WHERE name = $1`, name)
}

func (s *TargetStore) get(ctx context.Context, query string, arg any) (*model.Target, error) {
	var t model.Target
	err := s.db.QueryRow(ctx, query, arg).Scan(
		&t.ID, &t.Name, &t.Description, &t.Icon, &t.Service, &t.DBPath, &t.BackupFiles,
		&t.Schedule, &t.Status, &t.RetentionDays, &t.TimeoutSeconds, &t.StorageBucket,
		&t.ServiceName, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTargetNotFound
		}
		return nil, fmt.Errorf("get target: %w", err)
	}
	return &t, nil
}

// List returns targets ordered by name, with cursor pagination on the name.
func (s *TargetStore) List(ctx context.Context, limit int, cursor string) ([]model.Target, bool, error) {
	query := `SELECT ` + targetColumns + ` FROM targets`
	args := []any{}
	if cursor != "" {
		query += ` WHERE name > $1`
		args = append(args, cursor)
	}
	query += fmt.Sprintf(` ORDER BY name LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	targets, err := s.list(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(targets) > limit
	if hasMore {
		targets = targets[:limit]
	}
	return targets, hasMore, nil
}

// ListActive returns all active targets ordered by name.
func (s *TargetStore) ListActive(ctx context.Context) ([]model.Target, error) {
	return s.list(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE status = $1 ORDER BY name`,
		model.TargetActive)
}

// ListActiveScheduled returns active targets that have a schedule.
func (s *TargetStore) ListActiveScheduled(ctx context.Context) ([]model.Target, error) {
	return s.list(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE status = $1 AND schedule <> '' ORDER BY name`,
		model.TargetActive)
}

func (s *TargetStore) list(ctx context.Context, query string, args ...any) ([]model.Target, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var targets []model.Target
	for rows.Next() {
		var t model.Target
		if err := rows.Scan(
			&t.ID, &t.Name, &t.Description, &t.Icon, &t.Service, &t.DBPath, &t.BackupFiles,
			&t.Schedule, &t.Status, &t.RetentionDays, &t.TimeoutSeconds, &t.StorageBucket,
			&t.ServiceName, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return targets, nil
}
