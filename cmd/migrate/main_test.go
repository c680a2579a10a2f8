package main

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMigrator struct {
	upErr   error
	steps   []int
	forced  int
	version uint
	verErr  error
}

func (f *fakeMigrator) Up() error { return f.upErr }

func (f *fakeMigrator) Steps(n int) error {
	f.steps = append(f.steps, n)
	return nil
}

func (f *fakeMigrator) Force(v int) error {
	f.forced = v
	return nil
}

func (f *fakeMigrator) Version() (uint, bool, error) { return f.version, false, f.verErr }

func TestRunUpIgnoresNoChange(t *testing.T) {
	msg, err := run(&fakeMigrator{upErr: migrate.ErrNoChange}, nil)
	require.NoError(t, err)
	assert.Equal(t, "migrations complete", msg)

	_, err = run(&fakeMigrator{upErr: errors.New("boom")}, []string{"up"})
	assert.Error(t, err)
}

func TestRunDownDefaultsToOneStep(t *testing.T) {
	m := &fakeMigrator{}
	_, err := run(m, []string{"down"})
	require.NoError(t, err)
	_, err = run(m, []string{"down", "3"})
	require.NoError(t, err)
	assert.Equal(t, []int{-1, -3}, m.steps)

	_, err = run(m, []string{"down", "zero"})
	assert.Error(t, err)
}

func TestRunForceAndVersion(t *testing.T) {
	m := &fakeMigrator{version: 3}
	msg, err := run(m, []string{"force", "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.forced)
	assert.Equal(t, "forced version to 2", msg)

	msg, err = run(m, []string{"version"})
	require.NoError(t, err)
	assert.Equal(t, "version 3 (dirty=false)", msg)

	msg, err = run(&fakeMigrator{verErr: migrate.ErrNilVersion}, []string{"version"})
	require.NoError(t, err)
	assert.Equal(t, "no migrations applied", msg)

	_, err = run(m, []string{"sideways"})
	assert.Error(t, err)
}
