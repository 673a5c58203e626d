// Package fs provides a filesystem-backed entity store built on the viant/afs
// abstraction, so the same store works against local disk, memory or cloud
// object storage URLs. Entities are stored as JSON under
// <baseURL>/<tenant>/<id>.json.
package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/option"
	"github.com/viant/afs/url"

	"github.com/taskmesh/taskmesh/service/dao"
)

// Field extracts a queryable string value from an entity.
type Field[T any] func(t *T) string

// Option customises the store.
type Option[T any] func(s *Service[T])

// WithField registers a named field for parameter-based List filtering.
func WithField[T any](name string, field Field[T]) Option[T] {
	return func(s *Service[T]) {
		s.fields[name] = field
	}
}

// Service implements dao.Service on top of afs.
type Service[T any] struct {
	baseURL string
	fs      afs.Service
	key     func(t *T) dao.Key
	fields  map[string]Field[T]
	mux     sync.RWMutex
}

// New creates a filesystem store rooted at baseURL.
func New[T any](baseURL string, key func(t *T) dao.Key, options ...Option[T]) (*Service[T], error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	fileSystem := afs.New()
	ctx := context.Background()
	if exists, _ := fileSystem.Exists(ctx, baseURL); !exists {
		if err := fileSystem.Create(ctx, baseURL, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("failed to create base location %s: %w", baseURL, err)
		}
	}
	ret := &Service[T]{
		baseURL: url.Normalize(baseURL, file.Scheme),
		fs:      fileSystem,
		key:     key,
		fields:  map[string]Field[T]{},
	}
	for _, option := range options {
		option(ret)
	}
	return ret, nil
}

// Save persists the entity as JSON.
func (s *Service[T]) Save(ctx context.Context, t *T) error {
	if t == nil {
		return dao.ErrNilEntity
	}
	key := s.key(t)
	if !key.Valid() {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	location := s.entityURL(key)
	if err := s.fs.Upload(ctx, location, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to save entity to %s: %w", location, err)
	}
	return nil
}

// Load retrieves an entity or dao.ErrNotFound.
func (s *Service[T]) Load(ctx context.Context, key dao.Key) (*T, error) {
	if !key.Valid() {
		return nil, dao.ErrInvalidID
	}

	s.mux.RLock()
	defer s.mux.RUnlock()

	location := s.entityURL(key)
	exists, err := s.fs.Exists(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to check %s: %w", location, err)
	}
	if !exists {
		return nil, dao.ErrNotFound
	}
	data, err := s.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", location, err)
	}
	var entity T
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", location, err)
	}
	return &entity, nil
}

// Delete removes an entity.
func (s *Service[T]) Delete(ctx context.Context, key dao.Key) error {
	if !key.Valid() {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	location := s.entityURL(key)
	exists, err := s.fs.Exists(ctx, location)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", location, err)
	}
	if !exists {
		return dao.ErrNotFound
	}
	if err := s.fs.Delete(ctx, location); err != nil {
		return fmt.Errorf("failed to delete %s: %w", location, err)
	}
	return nil
}

// List returns stored entities matching the parameters. TenantID parameters
// narrow the walk to a single tenant folder; other parameters match against
// registered fields after decoding.
func (s *Service[T]) List(ctx context.Context, parameters ...*dao.Parameter) ([]*T, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	location := s.baseURL
	var filters []*dao.Parameter
	for _, parameter := range parameters {
		if parameter == nil {
			continue
		}
		if parameter.Name == dao.ParamTenantID {
			if tenant, ok := parameter.Value.(string); ok {
				location = url.Join(s.baseURL, tenant)
				continue
			}
		}
		filters = append(filters, parameter)
	}
	objects, err := s.fs.List(ctx, location, option.NewRecursive(true))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", location, err)
	}
	var out []*T
	for _, object := range objects {
		if object.IsDir() || !strings.HasSuffix(object.Name(), ".json") {
			continue
		}
		data, err := s.fs.Download(ctx, object)
		if err != nil {
			log.Printf("fs store: failed to read %s: %v", object.URL(), err)
			continue
		}
		var entity T
		if err := json.Unmarshal(data, &entity); err != nil {
			log.Printf("fs store: failed to unmarshal %s: %v", object.URL(), err)
			continue
		}
		if s.matches(&entity, filters) {
			out = append(out, &entity)
		}
	}
	return out, nil
}

// matches applies registered-field filters; unknown field names match
// nothing.
func (s *Service[T]) matches(entity *T, filters []*dao.Parameter) bool {
	for _, parameter := range filters {
		field, ok := s.fields[parameter.Name]
		if !ok {
			return false
		}
		value := field(entity)
		switch expect := parameter.Value.(type) {
		case string:
			if value != expect {
				return false
			}
		case []string:
			matched := false
			for _, candidate := range expect {
				if value == candidate {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (s *Service[T]) entityURL(key dao.Key) string {
	return url.Join(s.baseURL, path.Join(key.TenantID, key.ID+".json"))
}

var _ dao.Service[dao.Key, struct{}] = (*Service[struct{}])(nil)
