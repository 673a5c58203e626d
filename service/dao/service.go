package dao

import (
	"context"
)

// Service is the generic CRUD contract implemented by every entity store.
// Implementations hand out copies; callers persist changes with Save.
type Service[K comparable, T any] interface {
	Save(ctx context.Context, t *T) error

	Load(ctx context.Context, id K) (*T, error)

	Delete(ctx context.Context, id K) error

	List(ctx context.Context, parameters ...*Parameter) ([]*T, error)
}
