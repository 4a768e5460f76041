package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/foreman/features/audit/mongo/clients/mongo"
	"goa.design/foreman/runtime/agent/audit"
)

// Store implements audit.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed audit store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements audit.Store.
func (s *Store) Append(ctx context.Context, e *audit.Event) error {
	return s.client.Append(ctx, e)
}

// List implements audit.Store.
func (s *Store) List(ctx context.Context, runID string, cursor string, limit int) (audit.Page, error) {
	return s.client.List(ctx, runID, cursor, limit)
}
