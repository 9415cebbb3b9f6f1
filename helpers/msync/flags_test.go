package msync_test

import (
	"context"
	"testing"
	"time"

	"github.com/sensorstation/stationd/helpers/msync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	flagA msync.Flag = 1 << iota
	flagB
)

func TestFlagGroupContains(t *testing.T) {
	t.Parallel()

	g := msync.NewFlagGroup()
	assert.False(t, g.Contains(flagA))
	g.Set(flagA)
	assert.True(t, g.Contains(flagA))
	assert.False(t, g.Contains(flagA|flagB))
	g.Set(flagB)
	assert.True(t, g.Contains(flagA|flagB))
	g.Clear(flagA)
	assert.False(t, g.Contains(flagA))
	assert.True(t, g.Contains(flagB))
}

func TestFlagGroupWaitAllReleasedByLastFlag(t *testing.T) {
	t.Parallel()

	g := msync.NewFlagGroup()
	g.Set(flagA)
	done := make(chan error, 1)
	go func() { done <- g.WaitAll(context.Background(), flagA|flagB) }()

	select {
	case <-done:
		t.Fatal("waiter released before all flags set")
	case <-time.After(50 * time.Millisecond):
	}

	g.Set(flagB)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released after last flag set")
	}
}

func TestFlagGroupUnrelatedClearDoesNotRelease(t *testing.T) {
	t.Parallel()

	g := msync.NewFlagGroup()
	g.Set(flagB)
	done := make(chan error, 1)
	go func() { done <- g.WaitAll(context.Background(), flagA) }()

	// transitions on flagB must not release a waiter on flagA
	g.Clear(flagB)
	g.Set(flagB)
	select {
	case <-done:
		t.Fatal("waiter on flagA released by flagB transition")
	case <-time.After(50 * time.Millisecond):
	}

	g.Set(flagA)
	require.NoError(t, <-done)
}

func TestFlagGroupWaitAny(t *testing.T) {
	t.Parallel()

	g := msync.NewFlagGroup()
	done := make(chan msync.Flag, 1)
	go func() {
		got, err := g.WaitAny(context.Background(), flagA|flagB)
		require.NoError(t, err)
		done <- got
	}()

	select {
	case <-done:
		t.Fatal("waiter released with no flag set")
	case <-time.After(50 * time.Millisecond):
	}

	g.Set(flagB)
	select {
	case got := <-done:
		assert.Equal(t, flagB, got)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by one flag of mask")
	}
}

func TestFlagGroupWaitCleared(t *testing.T) {
	t.Parallel()

	g := msync.NewFlagGroup()
	g.Set(flagA | flagB)
	done := make(chan error, 1)
	go func() { done <- g.WaitCleared(context.Background(), flagA) }()

	select {
	case <-done:
		t.Fatal("waiter released while flag still set")
	case <-time.After(50 * time.Millisecond):
	}

	g.Clear(flagA)
	require.NoError(t, <-done)
	assert.True(t, g.Contains(flagB))
}

func TestFlagGroupWaitContext(t *testing.T) {
	t.Parallel()

	g := msync.NewFlagGroup()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.WaitAll(ctx, flagA)
	assert.Equal(t, context.DeadlineExceeded, err)

	g.Set(flagA)
	assert.NoError(t, g.WaitAll(context.Background(), flagA))
}

func TestFlagGroupWaitAlreadySatisfied(t *testing.T) {
	t.Parallel()

	g := msync.NewFlagGroup()
	g.Set(flagA)
	// must return without any transition happening
	require.NoError(t, g.WaitAll(context.Background(), flagA))
	require.NoError(t, g.WaitCleared(context.Background(), flagB))
}
