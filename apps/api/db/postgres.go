package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"konnect/apps/api/crypto"
	"konnect/apps/api/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	connection_type TEXT NOT NULL,
	host            TEXT,
	port            INTEGER,
	username        TEXT,
	credential      JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps profiles in a shared database. The credential is
// stored as JSONB with its secrets sealed when an encryptor is configured.
type PostgresStore struct {
	pool    *pgxpool.Pool
	secrets *crypto.Encryptor
}

func NewPostgresStore(ctx context.Context, databaseURL string, secrets *crypto.Encryptor) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create connections table: %w", err)
	}

	return &PostgresStore{pool: pool, secrets: secrets}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) List(ctx context.Context) ([]models.Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, connection_type, host, port, username, credential
		FROM connections
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	conns := []models.Connection{}
	for rows.Next() {
		c, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return conns, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Connection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, connection_type, host, port, username, credential
		FROM connections
		WHERE id = $1
	`, id)

	c, err := s.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Connection{}, ErrNotFound
		}
		return models.Connection{}, err
	}
	return c, nil
}

func (s *PostgresStore) Add(ctx context.Context, conn models.Connection) error {
	args, err := s.args(conn)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO connections (id, name, connection_type, host, port, username, credential)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, conn.ID)
		}
		return fmt.Errorf("failed to add connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, conn models.Connection) error {
	args, err := s.args(conn)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE connections
		SET name = $2, connection_type = $3, host = $4, port = $5,
		    username = $6, credential = $7, updated_at = now()
		WHERE id = $1
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `
		DELETE FROM connections WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// args flattens conn into the column order used by Add and Update.
func (s *PostgresStore) args(conn models.Connection) ([]any, error) {
	sealed, err := sealSecrets(s.secrets, conn)
	if err != nil {
		return nil, fmt.Errorf("seal secrets: %w", err)
	}

	var (
		host, username *string
		port           *int32
		credential     []byte
	)
	if cfg := sealed.SshConfig; cfg != nil {
		p := int32(cfg.Port)
		host, port, username = &cfg.Host, &p, &cfg.Username
		if credential, err = json.Marshal(cfg.Auth); err != nil {
			return nil, fmt.Errorf("encode credential: %w", err)
		}
	}
	return []any{conn.ID, conn.Name, string(conn.ConnectionType), host, port, username, credential}, nil
}

func (s *PostgresStore) scan(row pgx.Row) (models.Connection, error) {
	var (
		c              models.Connection
		connType       string
		host, username *string
		port           *int32
		credential     []byte
	)
	if err := row.Scan(&c.ID, &c.Name, &connType, &host, &port, &username, &credential); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan connection: %w", err)
	}
	c.ConnectionType = models.ConnectionType(connType)

	if host != nil {
		cfg := models.SshConfig{Host: *host}
		if port != nil {
			cfg.Port = int(*port)
		}
		if username != nil {
			cfg.Username = *username
		}
		if len(credential) > 0 {
			if err := json.Unmarshal(credential, &cfg.Auth); err != nil {
				return c, fmt.Errorf("decode credential for %s: %w", c.ID, err)
			}
		}
		c.SshConfig = &cfg
	}

	return openSecrets(s.secrets, c)
}
