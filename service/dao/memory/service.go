// Package memory provides a generic, thread-safe in-memory entity store. All
// operations return copies of the underlying objects to prevent data races
// when callers mutate the returned instances.
package memory

import (
	"context"
	"sync"

	"github.com/taskmesh/taskmesh/service/dao"
)

// Field extracts a named, filterable attribute from an entity.
type Field[T any] func(t *T) string

// Service implements dao.Service keyed by dao.Key for any entity type.
type Service[T any] struct {
	key    func(t *T) dao.Key
	clone  func(t *T) *T
	fields map[string]Field[T]

	items map[dao.Key]*T
	mux   sync.RWMutex
}

// Option customises a memory store.
type Option[T any] func(s *Service[T])

// WithField registers a filterable attribute usable in List parameters.
func WithField[T any](name string, field Field[T]) Option[T] {
	return func(s *Service[T]) {
		s.fields[name] = field
	}
}

// New creates a memory store for entities whose key and deep copy are
// produced by the supplied functions.
func New[T any](key func(t *T) dao.Key, clone func(t *T) *T, options ...Option[T]) *Service[T] {
	ret := &Service[T]{
		key:    key,
		clone:  clone,
		fields: map[string]Field[T]{},
		items:  map[dao.Key]*T{},
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Save persists (a clone of) the supplied entity.
func (s *Service[T]) Save(_ context.Context, t *T) error {
	if t == nil {
		return dao.ErrNilEntity
	}
	key := s.key(t)
	if !key.Valid() {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	s.items[key] = s.clone(t)
	return nil
}

// Load retrieves a copy of the entity or dao.ErrNotFound.
func (s *Service[T]) Load(_ context.Context, key dao.Key) (*T, error) {
	if !key.Valid() {
		return nil, dao.ErrInvalidID
	}

	s.mux.RLock()
	t, ok := s.items[key]
	s.mux.RUnlock()

	if !ok {
		return nil, dao.ErrNotFound
	}
	return s.clone(t), nil
}

// Delete removes an entity.
func (s *Service[T]) Delete(_ context.Context, key dao.Key) error {
	if !key.Valid() {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.items[key]; !ok {
		return dao.ErrNotFound
	}
	delete(s.items, key)
	return nil
}

// List returns copies of all entities matching every supplied parameter.
// Parameters referencing unregistered fields match nothing.
func (s *Service[T]) List(_ context.Context, parameters ...*dao.Parameter) ([]*T, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var out []*T
outer:
	for key, t := range s.items {
		for _, parameter := range parameters {
			if parameter == nil {
				continue
			}
			var actual string
			if parameter.Name == dao.ParamTenantID {
				actual = key.TenantID
			} else {
				field, ok := s.fields[parameter.Name]
				if !ok {
					continue outer
				}
				actual = field(t)
			}
			if !matches(parameter.Value, actual) {
				continue outer
			}
		}
		out = append(out, s.clone(t))
	}
	return out, nil
}

func matches(expect interface{}, actual string) bool {
	switch value := expect.(type) {
	case string:
		return value == actual
	case []string:
		for _, candidate := range value {
			if candidate == actual {
				return true
			}
		}
	}
	return false
}

// Compile-time check against the generic DAO contract.
var _ dao.Service[dao.Key, struct{}] = (*Service[struct{}])(nil)
