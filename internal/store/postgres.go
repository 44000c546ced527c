package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// VersionConflictError is returned when a conditional write supplies an
// expectedVersion strictly behind the stored version. It carries the current
// authoritative version so the caller can re-read and retry.
type VersionConflictError struct {
	CurrentVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: current version is %d", e.CurrentVersion)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, id, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE display_name = $1`, name).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (display_name) DO UPDATE SET display_name=EXCLUDED.display_name
		RETURNING id, display_name, created_at
	`, id, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, created_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, project.ID, project.Name, project.CreatedBy)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, 'owner')
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, project.ID, project.CreatedBy)
	if err != nil {
		return fmt.Errorf("add project owner: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_by, created_at FROM projects WHERE id=$1`, projectID).
		Scan(&project.ID, &project.Name, &project.CreatedBy, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (s *PostgresStore) AddProjectMember(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("add project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id=$1 AND user_id=$2)
	`, projectID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check project member: %w", err)
	}
	return member, nil
}

// ReadEntries returns all entries matching the filter. Empty dataType means
// the whole project; empty dataKey means all keys of that type.
func (s *PostgresStore) ReadEntries(ctx context.Context, projectID, dataType, dataKey string) ([]DataEntry, error) {
	query := `
		SELECT project_id, data_type, data_key, payload, version, updated_by, updated_at
		FROM scene_data
		WHERE project_id = $1`
	args := []any{projectID}
	if dataType != "" {
		args = append(args, dataType)
		query += fmt.Sprintf(" AND data_type = $%d", len(args))
		if dataKey != "" {
			args = append(args, dataKey)
			query += fmt.Sprintf(" AND data_key = $%d", len(args))
		}
	}
	query += " ORDER BY data_type, data_key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	defer rows.Close()

	items := make([]DataEntry, 0)
	for rows.Next() {
		var item DataEntry
		var payload []byte
		if err := rows.Scan(&item.ProjectID, &item.DataType, &item.DataKey, &payload, &item.Version, &item.UpdatedBy, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return items, nil
}

// WriteEntry upserts the entry for (projectID, dataType, dataKey).
//
// First write creates the entry at version 1; expectedVersion is ignored when
// the entry is absent. With expectedVersion nil an existing entry is
// overwritten unconditionally. With expectedVersion set, only a caller
// strictly behind the stored version is rejected; equal-or-ahead writers win
// (last-writer-wins at entry granularity, see DESIGN.md). The version bump
// happens inside a single upsert statement, so racing writers on the same key
// serialize on the row lock and each successful write increments by exactly 1.
func (s *PostgresStore) WriteEntry(ctx context.Context, projectID, dataType, dataKey string, payload json.RawMessage, expectedVersion *int64, updatedBy string) (WriteResult, error) {
	const upsert = `
		INSERT INTO scene_data (project_id, data_type, data_key, payload, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, data_type, data_key) DO UPDATE
		SET payload = EXCLUDED.payload,
			version = scene_data.version + 1,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
	`

	var (
		result WriteResult
		err    error
	)
	if expectedVersion == nil {
		err = s.db.QueryRowContext(ctx, upsert+` RETURNING version, updated_at`,
			projectID, dataType, dataKey, []byte(payload), updatedBy).
			Scan(&result.Version, &result.UpdatedAt)
	} else {
		err = s.db.QueryRowContext(ctx, upsert+` WHERE scene_data.version <= $6 RETURNING version, updated_at`,
			projectID, dataType, dataKey, []byte(payload), updatedBy, *expectedVersion).
			Scan(&result.Version, &result.UpdatedAt)
	}
	if errors.Is(err, sql.ErrNoRows) {
		// The conditional update arm declined: the stored version is ahead of
		// the caller. Report what is there now.
		var current int64
		readErr := s.db.QueryRowContext(ctx, `
			SELECT version FROM scene_data WHERE project_id=$1 AND data_type=$2 AND data_key=$3
		`, projectID, dataType, dataKey).Scan(&current)
		if readErr != nil {
			return WriteResult{}, fmt.Errorf("read conflicting version: %w", readErr)
		}
		return WriteResult{}, &VersionConflictError{CurrentVersion: current}
	}
	if err != nil {
		return WriteResult{}, fmt.Errorf("write entry: %w", err)
	}
	return result, nil
}

// ValidKeyPart reports whether a dataType or dataKey is safe to use as a path
// segment on the HTTP surface.
func ValidKeyPart(part string) bool {
	return part != "" && !strings.ContainsAny(part, "/ \t\n")
}
