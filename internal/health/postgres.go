package health

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// RequiredTables are the tables the service cannot run without
var RequiredTables = []string{"participants", "demographics", "trial_results", "questionnaires", "api_clients"}

// PostgresChecker verifies connectivity and schema over a separate
// database/sql connection so pool exhaustion does not hide outages
type PostgresChecker struct {
	db     *sql.DB
	tables []string
}

// NewPostgresChecker opens a lib/pq connection for diagnostics
func NewPostgresChecker(dsn string, tables ...string) (*PostgresChecker, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(2)

	if len(tables) == 0 {
		tables = RequiredTables
	}

	return &PostgresChecker{db: db, tables: tables}, nil
}

// Check pings the database and reports missing tables
func (c *PostgresChecker) Check(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	missing, err := c.MissingTables(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// MissingTables lists required tables absent from the current schema
func (c *PostgresChecker) MissingTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema()
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, t := range c.tables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// Close closes the diagnostics connection
func (c *PostgresChecker) Close() error {
	return c.db.Close()
}
