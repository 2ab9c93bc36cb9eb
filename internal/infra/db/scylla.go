package db

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/outbound-dispatch/internal/config"
)

// Scylla holds the attempt-log session.
type Scylla struct {
	session *gocql.Session
}

// NewScylla opens a session on the attempt-log keyspace, creating the keyspace
// first unless schema management is disabled.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	consistency, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
	if err != nil {
		return nil, fmt.Errorf("scylla: consistency %q: %w", cfg.Consistency, err)
	}

	if !cfg.DisableInitSchema {
		if err := ensureKeyspace(cfg); err != nil {
			return nil, err
		}
	}

	cluster := newCluster(cfg)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = consistency
	// Attempt rows are keyed by (lead, attempt), so replays are idempotent.
	cluster.DefaultIdempotence = true

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}
	return &Scylla{session: session}, nil
}

func newCluster(cfg config.ScyllaConfig) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{NumRetries: 3, Min: 50 * time.Millisecond, Max: time.Second}
	if cfg.LocalDC != "" {
		cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.DCAwareRoundRobinPolicy(cfg.LocalDC))
	}
	return cluster
}

func ensureKeyspace(cfg config.ScyllaConfig) error {
	cluster := newCluster(cfg)
	cluster.Consistency = gocql.All
	session, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("scylla: bootstrap session: %w", err)
	}
	defer session.Close()

	rf := cfg.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}`,
		cfg.Keyspace, rf)
	if cfg.LocalDC != "" {
		stmt = fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'NetworkTopologyStrategy', '%s': %d}`,
			cfg.Keyspace, cfg.LocalDC, rf)
	}
	if err := session.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("scylla: create keyspace %s: %w", cfg.Keyspace, err)
	}
	return nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Ping runs a trivial query against the local node.
func (s *Scylla) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("scylla: ping: %w", err)
	}
	return nil
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}
