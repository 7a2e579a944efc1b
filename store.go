package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/regfront/registry"
)

// DBRegistry is a registry connection as shown on the dashboard. Registries are
// referenced by name in URLs, so names are unique.
type DBRegistry struct {
	ID       int64
	Name     string `bstore:"nonzero,unique"`
	URL      string `bstore:"nonzero"`
	User     string
	Password string
	Version  int       // API version, 0 to detect when connecting.
	Modified time.Time `bstore:"nonzero,default now"`
}

func (r DBRegistry) connection() registry.Connection {
	return registry.Connection{
		ID:       r.ID,
		Name:     r.Name,
		URL:      r.URL,
		User:     r.User,
		Password: r.Password,
		Version:  r.Version,
	}
}

// Returned for mutations on a store that is configured externally.
var errReadOnlyStore = errors.New("registry connections are read-only")

// store holds registry connections. Get, GetByName and Remove return
// bstore.ErrAbsent for unknown registries, for each driver.
type store interface {
	List(ctx context.Context) ([]DBRegistry, error)
	Get(ctx context.Context, id int64) (DBRegistry, error)
	GetByName(ctx context.Context, name string) (DBRegistry, error)
	Add(ctx context.Context, r *DBRegistry) error
	Update(ctx context.Context, r *DBRegistry) error
	Remove(ctx context.Context, id int64) error
	Close() error
}

// openStore opens the store configured with Storage.
func openStore(ctx context.Context) (store, error) {
	switch config.Storage {
	case "", "bstore":
		return openDBStore(ctx, filepath.Join(config.DataDir, "regfront.db"))
	case "env":
		return newEnvStore(os.Getenv), nil
	}
	return nil, fmt.Errorf("unknown storage %q, must be bstore or env", config.Storage)
}

// dbStore keeps registries in a bstore database.
type dbStore struct {
	db *bstore.DB
}

func openDBStore(ctx context.Context, path string) (*dbStore, error) {
	os.MkdirAll(filepath.Dir(path), 0755)
	db, err := bstore.Open(ctx, path, &bstore.Options{Perm: 0660}, DBRegistry{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &dbStore{db}, nil
}

func (s *dbStore) List(ctx context.Context) ([]DBRegistry, error) {
	return bstore.QueryDB[DBRegistry](ctx, s.db).SortAsc("Name").List()
}

func (s *dbStore) Get(ctx context.Context, id int64) (DBRegistry, error) {
	r := DBRegistry{ID: id}
	err := s.db.Get(ctx, &r)
	return r, err
}

func (s *dbStore) GetByName(ctx context.Context, name string) (DBRegistry, error) {
	return bstore.QueryDB[DBRegistry](ctx, s.db).FilterNonzero(DBRegistry{Name: name}).Get()
}

func (s *dbStore) Add(ctx context.Context, r *DBRegistry) error {
	r.ID = 0
	r.Modified = time.Now()
	return s.db.Insert(ctx, r)
}

func (s *dbStore) Update(ctx context.Context, r *DBRegistry) error {
	r.Modified = time.Now()
	return s.db.Update(ctx, r)
}

func (s *dbStore) Remove(ctx context.Context, id int64) error {
	return s.db.Delete(ctx, &DBRegistry{ID: id})
}

func (s *dbStore) Close() error {
	return s.db.Close()
}

// envStore is a single registry from environment variables, for running in
// containers without a data directory.
type envStore struct {
	registries []DBRegistry
}

func newEnvStore(getenv func(string) string) *envStore {
	s := &envStore{registries: []DBRegistry{}}
	url := getenv("REGFRONT_URL")
	if url == "" {
		return s
	}
	name := getenv("REGFRONT_NAME")
	if name == "" {
		name = "registry"
	}
	s.registries = append(s.registries, DBRegistry{
		ID:       1,
		Name:     name,
		URL:      url,
		User:     getenv("REGFRONT_USER"),
		Password: getenv("REGFRONT_PASSWORD"),
	})
	return s
}

func (s *envStore) List(ctx context.Context) ([]DBRegistry, error) {
	return append([]DBRegistry{}, s.registries...), nil
}

func (s *envStore) Get(ctx context.Context, id int64) (DBRegistry, error) {
	for _, r := range s.registries {
		if r.ID == id {
			return r, nil
		}
	}
	return DBRegistry{}, bstore.ErrAbsent
}

func (s *envStore) GetByName(ctx context.Context, name string) (DBRegistry, error) {
	for _, r := range s.registries {
		if r.Name == name {
			return r, nil
		}
	}
	return DBRegistry{}, bstore.ErrAbsent
}

func (s *envStore) Add(ctx context.Context, r *DBRegistry) error {
	return errReadOnlyStore
}

func (s *envStore) Update(ctx context.Context, r *DBRegistry) error {
	return errReadOnlyStore
}

func (s *envStore) Remove(ctx context.Context, id int64) error {
	return errReadOnlyStore
}

func (s *envStore) Close() error {
	return nil
}
