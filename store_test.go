package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mjl-/bstore"
	"github.com/stretchr/testify/require"
)

func TestDBStore(t *testing.T) {
	ctx := context.Background()
	s, err := openDBStore(ctx, filepath.Join(t.TempDir(), "regfront.db"))
	require.NoError(t, err)
	defer s.Close()

	l, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, l, 0)

	a := DBRegistry{Name: "b-registry", URL: "http://localhost:5000"}
	require.NoError(t, s.Add(ctx, &a))
	require.NotZero(t, a.ID)
	b := DBRegistry{Name: "a-registry", URL: "http://localhost:5001", User: "admin", Password: "secret"}
	require.NoError(t, s.Add(ctx, &b))

	err = s.Add(ctx, &DBRegistry{Name: "a-registry", URL: "http://other"})
	require.ErrorIs(t, err, bstore.ErrUnique)
	err = s.Add(ctx, &DBRegistry{Name: "no-url"})
	require.Error(t, err)

	l, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, l, 2)
	require.Equal(t, "a-registry", l[0].Name)
	require.Equal(t, "b-registry", l[1].Name)

	r, err := s.GetByName(ctx, "a-registry")
	require.NoError(t, err)
	require.Equal(t, b.ID, r.ID)
	require.Equal(t, "secret", r.Password)
	_, err = s.GetByName(ctx, "missing")
	require.ErrorIs(t, err, bstore.ErrAbsent)

	r.Version = 2
	require.NoError(t, s.Update(ctx, &r))
	r, err = s.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 2, r.Version)

	require.NoError(t, s.Remove(ctx, a.ID))
	_, err = s.Get(ctx, a.ID)
	require.ErrorIs(t, err, bstore.ErrAbsent)
	require.ErrorIs(t, s.Remove(ctx, a.ID), bstore.ErrAbsent)
}

func TestEnvStore(t *testing.T) {
	ctx := context.Background()
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	s := newEnvStore(getenv)
	l, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, l, 0)

	env["REGFRONT_URL"] = "localhost:5000"
	env["REGFRONT_USER"] = "admin"
	env["REGFRONT_PASSWORD"] = "secret"
	s = newEnvStore(getenv)
	l, err = s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []DBRegistry{{ID: 1, Name: "registry", URL: "localhost:5000", User: "admin", Password: "secret"}}, l)

	env["REGFRONT_NAME"] = "prod"
	s = newEnvStore(getenv)
	r, err := s.GetByName(ctx, "prod")
	require.NoError(t, err)
	require.Equal(t, int64(1), r.ID)
	_, err = s.Get(ctx, 2)
	require.ErrorIs(t, err, bstore.ErrAbsent)

	require.ErrorIs(t, s.Add(ctx, &DBRegistry{Name: "x", URL: "y"}), errReadOnlyStore)
	require.ErrorIs(t, s.Update(ctx, &r), errReadOnlyStore)
	require.ErrorIs(t, s.Remove(ctx, 1), errReadOnlyStore)
}
