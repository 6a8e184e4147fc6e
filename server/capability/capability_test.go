package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLease struct {
	releases int
}

func (l *countingLease) Release() {
	l.releases++
}

func TestOnceLease(t *testing.T) {
	calls := 0
	lease := NewLease(func() { calls++ })

	assert.False(t, lease.Released())
	lease.Release()
	lease.Release()

	assert.Equal(t, 1, calls)
	assert.True(t, lease.Released())

	NewLease(nil).Release()
}

func TestUse(t *testing.T) {
	t.Run("releases after success", func(t *testing.T) {
		lease := &countingLease{}
		acquire := func(context.Context) (*countingLease, error) { return lease, nil }

		err := Use(context.Background(), acquire, func(l *countingLease) error {
			assert.Zero(t, l.releases, "lease is held while fn runs")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, lease.releases)
	})

	t.Run("releases after error", func(t *testing.T) {
		lease := &countingLease{}
		acquire := func(context.Context) (*countingLease, error) { return lease, nil }
		boom := errors.New("boom")

		err := Use(context.Background(), acquire, func(*countingLease) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, lease.releases)
	})

	t.Run("releases after panic", func(t *testing.T) {
		lease := &countingLease{}
		acquire := func(context.Context) (*countingLease, error) { return lease, nil }

		assert.Panics(t, func() {
			_ = Use(context.Background(), acquire, func(*countingLease) error { panic("recorder crashed") })
		})
		assert.Equal(t, 1, lease.releases)
	})

	t.Run("acquire failure skips fn", func(t *testing.T) {
		acquire := func(context.Context) (*countingLease, error) { return nil, ErrPermissionDenied }
		called := false

		err := Use(context.Background(), acquire, func(*countingLease) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.False(t, called)
	})
}

func TestSlot(t *testing.T) {
	t.Run("release releases the held lease once", func(t *testing.T) {
		slot := &Slot{}
		lease := &countingLease{}

		assert.True(t, slot.Put(lease))
		slot.Release()
		slot.Release()

		assert.Equal(t, 1, lease.releases)
		assert.True(t, slot.Closed())
	})

	t.Run("late put is released immediately", func(t *testing.T) {
		slot := &Slot{}
		slot.Release()

		lease := &countingLease{}
		assert.False(t, slot.Put(lease))
		assert.Equal(t, 1, lease.releases)
	})

	t.Run("replacing a lease releases the previous one", func(t *testing.T) {
		slot := &Slot{}
		first, second := &countingLease{}, &countingLease{}

		slot.Put(first)
		slot.Put(second)
		assert.Equal(t, 1, first.releases)
		assert.Zero(t, second.releases)

		slot.Release()
		assert.Equal(t, 1, second.releases)
	})
}
