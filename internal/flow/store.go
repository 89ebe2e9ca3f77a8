package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectFlowSQL = `SELECT name, description, data FROM flow WHERE id = $1`

// rowQuerier is the subset of pgxpool.Pool the store needs
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store resolves flow metadata straight from the flow table
type Store struct {
	db rowQuerier
}

// OpenStore connects a pgx pool to databaseURL
func OpenStore(ctx context.Context, databaseURL string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect flow database: %w", err)
	}
	return NewStore(pool), pool, nil
}

// NewStore wraps an existing pool or connection
func NewStore(db rowQuerier) *Store {
	return &Store{db: db}
}

// ResolveFlow implements Resolver
func (s *Store) ResolveFlow(ctx context.Context, flowID string) (*Metadata, error) {
	var (
		name        *string
		description *string
		data        []byte
	)
	err := s.db.QueryRow(ctx, selectFlowSQL, flowID).Scan(&name, &description, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", flowID, err)
	}

	meta := &Metadata{ID: flowID}
	if name != nil {
		meta.Name = *name
	}
	if description != nil {
		meta.Description = *description
	}

	var graph map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &graph); err != nil {
			return nil, fmt.Errorf("decode flow %s graph: %w", flowID, err)
		}
	}
	meta.InputNodeID, err = FindInputNode(graph)
	if err != nil {
		return nil, err
	}
	return meta, nil
}
