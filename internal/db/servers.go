package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/leozw/site-healer/internal/core"
)

// Server is a managed host reachable over SSH. Credentials never leave
// the repository through the JSON encoding.
type Server struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Host       string    `json:"host" db:"host"`
	Port       int       `json:"port" db:"port"`
	Username   string    `json:"username" db:"username"`
	Password   string    `json:"-" db:"password"`
	PrivateKey string    `json:"-" db:"private_key"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

func (r *Repository) CreateServer(ctx context.Context, s *Server) error {
	if s.Port == 0 {
		s.Port = 22
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO servers (id, name, host, port, username, password, private_key, created_at)
        VALUES (:id, :name, :host, :port, :username, :password, :private_key, :created_at)`

	if _, err := r.db.NamedExecContext(ctx, query, s); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("server %s: %w", s.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create server: %w", err)
	}
	return nil
}

func (r *Repository) ListServers(ctx context.Context) ([]*Server, error) {
	servers := []*Server{}
	query := `SELECT id, name, host, port, username, password, private_key, created_at FROM servers ORDER BY name`
	if err := r.db.SelectContext(ctx, &servers, query); err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return servers, nil
}

func (r *Repository) GetConnectionInfo(ctx context.Context, serverID string) (*core.ConnectionInfo, error) {
	var info core.ConnectionInfo
	query := `SELECT host, port, username, password, private_key FROM servers WHERE id = $1`
	err := r.db.GetContext(ctx, &info, query, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server %s: %w", serverID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection info: %w", err)
	}
	return &info, nil
}

func (r *Repository) ServerExists(ctx context.Context, serverID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM servers WHERE id = $1)`, serverID)
	if err != nil {
		return false, fmt.Errorf("failed to check server: %w", err)
	}
	return exists, nil
}
