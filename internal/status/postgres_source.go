package status

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

// PostgresSource reads request status straight from the rides table used
// by the matching service.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(dsn string) (*PostgresSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresSource{db: db}, nil
}

func (p *PostgresSource) GetRequestStatus(ctx context.Context, requestID string) (string, error) {
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM rides WHERE id = $1`, requestID).Scan(&status)
	if err == sql.ErrNoRows {
		return models.StatusUnknown, nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func (p *PostgresSource) Close() error { return p.db.Close() }
