package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terra-clan/research-engine/internal/models"
)

const pgForeignKeyViolation = "23503"

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	poolConfig.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}

	poolConfig.MinConns = 5
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	}
	if poolConfig.MinConns > poolConfig.MaxConns {
		poolConfig.MinConns = poolConfig.MaxConns
	}

	poolConfig.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Pool exposes the connection pool for migrations
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateParticipant inserts a participant and sets its ID
func (r *PostgresRepository) CreateParticipant(ctx context.Context, p *models.Participant) error {
	query := `
		INSERT INTO participants (school, student_number, course)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		nullString(p.School),
		nullString(p.StudentNumber),
		nullString(p.Course),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}

	return nil
}

// GetParticipant retrieves a participant by ID
func (r *PostgresRepository) GetParticipant(ctx context.Context, id int64) (*models.Participant, error) {
	query := `
		SELECT id, school, student_number, course, created_at
		FROM participants
		WHERE id = $1
	`

	var p models.Participant
	var school, studentNumber, course sql.NullString

	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &school, &studentNumber, &course, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}

	p.School = school.String
	p.StudentNumber = studentNumber.String
	p.Course = course.String
	return &p, nil
}

// UpsertDemographic stores the participant's demographic answers, replacing earlier ones
func (r *PostgresRepository) UpsertDemographic(ctx context.Context, d *models.Demographic) error {
	query := `
		INSERT INTO demographics (
			participant_id, gender, age, education, department, year, marital_status,
			employment_status, living_with, longest_residence, current_social_status,
			childhood_social_status, monthly_income
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (participant_id) DO UPDATE SET
			gender = EXCLUDED.gender,
			age = EXCLUDED.age,
			education = EXCLUDED.education,
			department = EXCLUDED.department,
			year = EXCLUDED.year,
			marital_status = EXCLUDED.marital_status,
			employment_status = EXCLUDED.employment_status,
			living_with = EXCLUDED.living_with,
			longest_residence = EXCLUDED.longest_residence,
			current_social_status = EXCLUDED.current_social_status,
			childhood_social_status = EXCLUDED.childhood_social_status,
			monthly_income = EXCLUDED.monthly_income,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		d.ParticipantID,
		nullString(d.Gender),
		nullInt(d.Age),
		nullString(d.Education),
		nullString(d.Department),
		nullString(d.Year),
		nullString(d.MaritalStatus),
		nullString(d.EmploymentStatus),
		emptyIfNil(d.LivingWith),
		nullString(d.LongestResidence),
		nullString(d.CurrentSocialStatus),
		nullString(d.ChildhoodSocialStatus),
		nullString(d.MonthlyIncome),
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrParticipantNotFound
		}
		return fmt.Errorf("failed to save demographic: %w", err)
	}

	return nil
}

// GetDemographic retrieves the demographic answers of a participant
func (r *PostgresRepository) GetDemographic(ctx context.Context, participantID int64) (*models.Demographic, error) {
	query := `
		SELECT id, participant_id, gender, age, education, department, year, marital_status,
			employment_status, living_with, longest_residence, current_social_status,
			childhood_social_status, monthly_income, created_at, updated_at
		FROM demographics
		WHERE participant_id = $1
	`

	var d models.Demographic
	var age sql.NullInt64
	var gender, education, department, year, marital, employment sql.NullString
	var residence, currentStatus, childhoodStatus, income sql.NullString

	err := r.pool.QueryRow(ctx, query, participantID).Scan(
		&d.ID,
		&d.ParticipantID,
		&gender,
		&age,
		&education,
		&department,
		&year,
		&marital,
		&employment,
		&d.LivingWith,
		&residence,
		&currentStatus,
		&childhoodStatus,
		&income,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get demographic: %w", err)
	}

	d.Gender = gender.String
	d.Education = education.String
	d.Department = department.String
	d.Year = year.String
	d.MaritalStatus = marital.String
	d.EmploymentStatus = employment.String
	d.LongestResidence = residence.String
	d.CurrentSocialStatus = currentStatus.String
	d.ChildhoodSocialStatus = childhoodStatus.String
	d.MonthlyIncome = income.String
	if age.Valid {
		v := int(age.Int64)
		d.Age = &v
	}

	return &d, nil
}

// SaveTrialResult stores a finalized trial. A second result for the same
// participant, phase and index is left untouched and reported as ErrDuplicateResult.
func (r *PostgresRepository) SaveTrialResult(ctx context.Context, res *models.TrialResult) error {
	if res.ParticipantID == nil {
		return fmt.Errorf("failed to save trial result: participant id is required")
	}

	query := `
		INSERT INTO trial_results (participant_id, phase, group_index, selected_items, timed_out)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (participant_id, phase, group_index) DO NOTHING
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		*res.ParticipantID,
		string(res.Phase),
		res.Index,
		emptyIfNil(res.SelectedItems),
		res.TimedOut,
	).Scan(&res.ID, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicateResult
		}
		if isForeignKeyViolation(err) {
			return ErrParticipantNotFound
		}
		return fmt.Errorf("failed to save trial result: %w", err)
	}

	return nil
}

// ListTrialResults returns a participant's results ordered by phase and index
func (r *PostgresRepository) ListTrialResults(ctx context.Context, participantID int64) ([]*models.TrialResult, error) {
	query := `
		SELECT id, participant_id, phase, group_index, selected_items, timed_out, created_at
		FROM trial_results
		WHERE participant_id = $1
		ORDER BY CASE phase WHEN 'Practice' THEN 0 ELSE 1 END, group_index
	`

	rows, err := r.pool.Query(ctx, query, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trial results: %w", err)
	}
	defer rows.Close()

	var results []*models.TrialResult
	for rows.Next() {
		var res models.TrialResult
		var pid int64
		var phase string

		if err := rows.Scan(&res.ID, &pid, &phase, &res.Index, &res.SelectedItems, &res.TimedOut, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trial result: %w", err)
		}

		res.ParticipantID = &pid
		res.Phase = models.Phase(phase)
		results = append(results, &res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trial results: %w", err)
	}

	return results, nil
}

// UpsertQuestionnaire stores the participant's answers, replacing earlier ones
func (r *PostgresRepository) UpsertQuestionnaire(ctx context.Context, q *models.Questionnaire) error {
	answersJSON, err := json.Marshal(q.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}

	query := `
		INSERT INTO questionnaires (participant_id, answers)
		VALUES ($1, $2)
		ON CONFLICT (participant_id) DO UPDATE SET
			answers = EXCLUDED.answers,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err = r.pool.QueryRow(ctx, query, q.ParticipantID, answersJSON).Scan(&q.ID, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrParticipantNotFound
		}
		return fmt.Errorf("failed to save questionnaire: %w", err)
	}

	return nil
}

// GetQuestionnaire retrieves the stored answers of a participant
func (r *PostgresRepository) GetQuestionnaire(ctx context.Context, participantID int64) (*models.Questionnaire, error) {
	query := `
		SELECT id, participant_id, answers, created_at, updated_at
		FROM questionnaires
		WHERE participant_id = $1
	`

	var q models.Questionnaire
	var answersJSON []byte

	err := r.pool.QueryRow(ctx, query, participantID).Scan(&q.ID, &q.ParticipantID, &answersJSON, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get questionnaire: %w", err)
	}

	if err := json.Unmarshal(answersJSON, &q.Answers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal answers: %w", err)
	}

	return &q, nil
}

// CreateApiClient registers an admin API client
func (r *PostgresRepository) CreateApiClient(ctx context.Context, c *models.ApiClient) error {
	permissionsJSON, err := json.Marshal(emptyIfNil(c.Permissions))
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if c.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO api_clients (name, api_key, is_active, permissions, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	if err := r.pool.QueryRow(ctx, query, c.Name, c.ApiKey, c.IsActive, permissionsJSON, metadataJSON).Scan(&c.ID, &c.CreatedAt); err != nil {
		return fmt.Errorf("failed to create api client: %w", err)
	}

	return nil
}

// GetClientByApiKey retrieves an API client by its key
func (r *PostgresRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	query := `
		SELECT id, name, api_key, is_active, created_at, last_used_at, permissions, metadata
		FROM api_clients
		WHERE api_key = $1
	`

	var client models.ApiClient
	var lastUsedAt sql.NullTime
	var permissionsJSON, metadataJSON []byte

	err := r.pool.QueryRow(ctx, query, apiKey).Scan(
		&client.ID,
		&client.Name,
		&client.ApiKey,
		&client.IsActive,
		&client.CreatedAt,
		&lastUsedAt,
		&permissionsJSON,
		&metadataJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get api client: %w", err)
	}

	if lastUsedAt.Valid {
		client.LastUsedAt = &lastUsedAt.Time
	}

	if err := decodeClientJSON(&client, permissionsJSON, metadataJSON); err != nil {
		return nil, err
	}

	return &client, nil
}

// UpdateClientLastUsed stamps the client's last request time
func (r *PostgresRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE api_clients SET last_used_at = NOW() WHERE api_key = $1`, apiKey); err != nil {
		return fmt.Errorf("failed to update client last used: %w", err)
	}
	return nil
}

// Helper functions

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func decodeClientJSON(client *models.ApiClient, permissionsJSON, metadataJSON []byte) error {
	if permissionsJSON != nil {
		if err := json.Unmarshal(permissionsJSON, &client.Permissions); err != nil {
			return fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &client.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return nil
}
