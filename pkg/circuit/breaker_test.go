package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBackend = errors.New("backend down")

func TestBreaker(t *testing.T) {
	t.Run("should stay closed on success", func(t *testing.T) {
		b := NewBreaker(3, time.Minute)

		for i := 0; i < 10; i++ {
			err := b.Execute(func() error { return nil })
			assert.NoError(t, err)
		}
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should open after max failures", func(t *testing.T) {
		b := NewBreaker(3, time.Minute)

		for i := 0; i < 3; i++ {
			err := b.Execute(func() error { return errBackend })
			assert.ErrorIs(t, err, errBackend)
		}
		assert.Equal(t, StateOpen, b.State())

		err := b.Execute(func() error { return nil })
		assert.ErrorIs(t, err, ErrOpen)
	})

	t.Run("should reset failure count on success", func(t *testing.T) {
		b := NewBreaker(3, time.Minute)

		b.Execute(func() error { return errBackend })
		b.Execute(func() error { return errBackend })
		b.Execute(func() error { return nil })
		b.Execute(func() error { return errBackend })
		b.Execute(func() error { return errBackend })

		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should allow probe after cooldown and close on success", func(t *testing.T) {
		b := NewBreaker(1, 10*time.Millisecond)

		b.Execute(func() error { return errBackend })
		assert.Equal(t, StateOpen, b.State())

		time.Sleep(20 * time.Millisecond)

		err := b.Execute(func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should reopen when probe fails", func(t *testing.T) {
		b := NewBreaker(1, 10*time.Millisecond)

		b.Execute(func() error { return errBackend })
		time.Sleep(20 * time.Millisecond)

		err := b.Execute(func() error { return errBackend })
		assert.ErrorIs(t, err, errBackend)
		assert.Equal(t, StateOpen, b.State())
	})

	t.Run("reset should close the breaker", func(t *testing.T) {
		b := NewBreaker(1, time.Minute)
		b.Execute(func() error { return errBackend })
		b.Reset()
		assert.Equal(t, StateClosed, b.State())
	})
}
