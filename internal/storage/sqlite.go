package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver.

	"github.com/terra-clan/research-engine/internal/models"
)

// SQLiteRepository implements Repository on a single SQLite file.
// It backs offline deployments and tests; arrays and maps are stored as JSON text.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository opens or creates the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := repo.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}

	return repo, nil
}

func (r *SQLiteRepository) migrate() error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS participants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			school TEXT NOT NULL DEFAULT '',
			student_number TEXT NOT NULL DEFAULT '',
			course TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS demographics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			participant_id INTEGER NOT NULL UNIQUE REFERENCES participants(id) ON DELETE CASCADE,
			gender TEXT NOT NULL DEFAULT '',
			age INTEGER,
			education TEXT NOT NULL DEFAULT '',
			department TEXT NOT NULL DEFAULT '',
			year TEXT NOT NULL DEFAULT '',
			marital_status TEXT NOT NULL DEFAULT '',
			employment_status TEXT NOT NULL DEFAULT '',
			living_with TEXT NOT NULL DEFAULT '[]',
			longest_residence TEXT NOT NULL DEFAULT '',
			current_social_status TEXT NOT NULL DEFAULT '',
			childhood_social_status TEXT NOT NULL DEFAULT '',
			monthly_income TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trial_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			participant_id INTEGER NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
			phase TEXT NOT NULL CHECK (phase IN ('Practice', 'Main')),
			group_index INTEGER NOT NULL CHECK (group_index >= 0),
			selected_items TEXT NOT NULL DEFAULT '[]',
			timed_out INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE (participant_id, phase, group_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trial_results_participant ON trial_results(participant_id);`,
		`CREATE TABLE IF NOT EXISTS questionnaires (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			participant_id INTEGER NOT NULL UNIQUE REFERENCES participants(id) ON DELETE CASCADE,
			answers TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS api_clients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			is_active INTEGER NOT NULL DEFAULT 1,
			permissions TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			last_used_at TEXT
		);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks database connectivity
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) participantExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM participants WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return exists, nil
}

// CreateParticipant inserts a participant and sets its ID
func (r *SQLiteRepository) CreateParticipant(ctx context.Context, p *models.Participant) error {
	now := r.now()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO participants (school, student_number, course, created_at) VALUES (?, ?, ?, ?)`,
		p.School, p.StudentNumber, p.Course, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read participant id: %w", err)
	}

	p.ID = id
	p.CreatedAt = now
	return nil
}

// GetParticipant retrieves a participant by ID
func (r *SQLiteRepository) GetParticipant(ctx context.Context, id int64) (*models.Participant, error) {
	var p models.Participant
	var createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, school, student_number, course, created_at FROM participants WHERE id = ?`, id,
	).Scan(&p.ID, &p.School, &p.StudentNumber, &p.Course, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}

	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// UpsertDemographic stores the participant's demographic answers, replacing earlier ones
func (r *SQLiteRepository) UpsertDemographic(ctx context.Context, d *models.Demographic) error {
	exists, err := r.participantExists(ctx, d.ParticipantID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrParticipantNotFound
	}

	livingWith, err := json.Marshal(emptyIfNil(d.LivingWith))
	if err != nil {
		return fmt.Errorf("failed to marshal living_with: %w", err)
	}

	now := formatTime(r.now())
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO demographics (
			participant_id, gender, age, education, department, year, marital_status,
			employment_status, living_with, longest_residence, current_social_status,
			childhood_social_status, monthly_income, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_id) DO UPDATE SET
			gender = excluded.gender,
			age = excluded.age,
			education = excluded.education,
			department = excluded.department,
			year = excluded.year,
			marital_status = excluded.marital_status,
			employment_status = excluded.employment_status,
			living_with = excluded.living_with,
			longest_residence = excluded.longest_residence,
			current_social_status = excluded.current_social_status,
			childhood_social_status = excluded.childhood_social_status,
			monthly_income = excluded.monthly_income,
			updated_at = excluded.updated_at`,
		d.ParticipantID, d.Gender, nullInt(d.Age), d.Education, d.Department, d.Year,
		d.MaritalStatus, d.EmploymentStatus, string(livingWith), d.LongestResidence,
		d.CurrentSocialStatus, d.ChildhoodSocialStatus, d.MonthlyIncome, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save demographic: %w", err)
	}

	stored, err := r.GetDemographic(ctx, d.ParticipantID)
	if err != nil {
		return err
	}
	d.ID = stored.ID
	d.CreatedAt = stored.CreatedAt
	d.UpdatedAt = stored.UpdatedAt
	return nil
}

// GetDemographic retrieves the demographic answers of a participant
func (r *SQLiteRepository) GetDemographic(ctx context.Context, participantID int64) (*models.Demographic, error) {
	var d models.Demographic
	var age sql.NullInt64
	var livingWith, createdAt, updatedAt string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, participant_id, gender, age, education, department, year, marital_status,
			employment_status, living_with, longest_residence, current_social_status,
			childhood_social_status, monthly_income, created_at, updated_at
		FROM demographics
		WHERE participant_id = ?`, participantID,
	).Scan(
		&d.ID, &d.ParticipantID, &d.Gender, &age, &d.Education, &d.Department, &d.Year,
		&d.MaritalStatus, &d.EmploymentStatus, &livingWith, &d.LongestResidence,
		&d.CurrentSocialStatus, &d.ChildhoodSocialStatus, &d.MonthlyIncome, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get demographic: %w", err)
	}

	if err := json.Unmarshal([]byte(livingWith), &d.LivingWith); err != nil {
		return nil, fmt.Errorf("failed to unmarshal living_with: %w", err)
	}
	if age.Valid {
		v := int(age.Int64)
		d.Age = &v
	}
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

// SaveTrialResult stores a finalized trial; an existing row for the same key wins
func (r *SQLiteRepository) SaveTrialResult(ctx context.Context, res *models.TrialResult) error {
	if res.ParticipantID == nil {
		return fmt.Errorf("failed to save trial result: participant id is required")
	}

	exists, err := r.participantExists(ctx, *res.ParticipantID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrParticipantNotFound
	}

	selected, err := json.Marshal(emptyIfNil(res.SelectedItems))
	if err != nil {
		return fmt.Errorf("failed to marshal selected items: %w", err)
	}

	now := r.now()
	out, err := r.db.ExecContext(ctx, `
		INSERT INTO trial_results (participant_id, phase, group_index, selected_items, timed_out, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_id, phase, group_index) DO NOTHING`,
		*res.ParticipantID, string(res.Phase), res.Index, string(selected), res.TimedOut, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save trial result: %w", err)
	}

	affected, err := out.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save trial result: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateResult
	}

	id, err := out.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read trial result id: %w", err)
	}

	res.ID = id
	res.CreatedAt = now
	return nil
}

// ListTrialResults returns a participant's results ordered by phase and index
func (r *SQLiteRepository) ListTrialResults(ctx context.Context, participantID int64) ([]*models.TrialResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, participant_id, phase, group_index, selected_items, timed_out, created_at
		FROM trial_results
		WHERE participant_id = ?
		ORDER BY CASE phase WHEN 'Practice' THEN 0 ELSE 1 END, group_index`, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trial results: %w", err)
	}
	defer rows.Close()

	var results []*models.TrialResult
	for rows.Next() {
		var res models.TrialResult
		var pid int64
		var phase, selected, createdAt string

		if err := rows.Scan(&res.ID, &pid, &phase, &res.Index, &selected, &res.TimedOut, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trial result: %w", err)
		}
		if err := json.Unmarshal([]byte(selected), &res.SelectedItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal selected items: %w", err)
		}

		res.ParticipantID = &pid
		res.Phase = models.Phase(phase)
		res.CreatedAt = parseTime(createdAt)
		results = append(results, &res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trial results: %w", err)
	}

	return results, nil
}

// UpsertQuestionnaire stores the participant's answers, replacing earlier ones
func (r *SQLiteRepository) UpsertQuestionnaire(ctx context.Context, q *models.Questionnaire) error {
	exists, err := r.participantExists(ctx, q.ParticipantID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrParticipantNotFound
	}

	answers, err := json.Marshal(q.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}

	now := formatTime(r.now())
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO questionnaires (participant_id, answers, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (participant_id) DO UPDATE SET
			answers = excluded.answers,
			updated_at = excluded.updated_at`,
		q.ParticipantID, string(answers), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save questionnaire: %w", err)
	}

	stored, err := r.GetQuestionnaire(ctx, q.ParticipantID)
	if err != nil {
		return err
	}
	q.ID = stored.ID
	q.CreatedAt = stored.CreatedAt
	q.UpdatedAt = stored.UpdatedAt
	return nil
}

// GetQuestionnaire retrieves the stored answers of a participant
func (r *SQLiteRepository) GetQuestionnaire(ctx context.Context, participantID int64) (*models.Questionnaire, error) {
	var q models.Questionnaire
	var answers, createdAt, updatedAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, participant_id, answers, created_at, updated_at FROM questionnaires WHERE participant_id = ?`,
		participantID,
	).Scan(&q.ID, &q.ParticipantID, &answers, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get questionnaire: %w", err)
	}

	if err := json.Unmarshal([]byte(answers), &q.Answers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal answers: %w", err)
	}
	q.CreatedAt = parseTime(createdAt)
	q.UpdatedAt = parseTime(updatedAt)
	return &q, nil
}

// CreateApiClient registers an admin API client
func (r *SQLiteRepository) CreateApiClient(ctx context.Context, c *models.ApiClient) error {
	permissions, err := json.Marshal(emptyIfNil(c.Permissions))
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	metadata := []byte("{}")
	if c.Metadata != nil {
		if metadata, err = json.Marshal(c.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	now := r.now()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO api_clients (name, api_key, is_active, permissions, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.Name, c.ApiKey, c.IsActive, string(permissions), string(metadata), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create api client: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read api client id: %w", err)
	}

	c.ID = int(id)
	c.CreatedAt = now
	return nil
}

// GetClientByApiKey retrieves an API client by its key
func (r *SQLiteRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	var client models.ApiClient
	var createdAt, permissions, metadata string
	var lastUsedAt sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, api_key, is_active, created_at, last_used_at, permissions, metadata
		FROM api_clients
		WHERE api_key = ?`, apiKey,
	).Scan(&client.ID, &client.Name, &client.ApiKey, &client.IsActive, &createdAt, &lastUsedAt, &permissions, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api client: %w", err)
	}

	client.CreatedAt = parseTime(createdAt)
	if lastUsedAt.Valid {
		t := parseTime(lastUsedAt.String)
		client.LastUsedAt = &t
	}

	if err := decodeClientJSON(&client, []byte(permissions), []byte(metadata)); err != nil {
		return nil, err
	}

	return &client, nil
}

// UpdateClientLastUsed stamps the client's last request time
func (r *SQLiteRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_clients SET last_used_at = ? WHERE api_key = ?`, formatTime(r.now()), apiKey)
	if err != nil {
		return fmt.Errorf("failed to update client last used: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
