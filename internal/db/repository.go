package db

import (
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrDuplicate is returned when an insert collides with a unique constraint,
// e.g. a second application registered at the same (server_id, path).
var ErrDuplicate = errors.New("record already exists")

// Repository is the PostgreSQL implementation of the application,
// diagnostic, server and audit stores.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewConnection(databaseURL string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if maxOpen <= 0 {
		maxOpen = 25
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger.Named("repository")}
}

func (r *Repository) DB() *sqlx.DB {
	return r.db
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
