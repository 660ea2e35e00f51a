package futures

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureCompleteOnce(t *testing.T) {
	f := New[int]()
	assert.True(t, f.Complete(42))
	assert.False(t, f.Complete(43))
	assert.False(t, f.Fail(errors.New("late")))

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFutureFail(t *testing.T) {
	wantErr := errors.New("boom")
	f := Failed[string](wantErr)

	_, err := f.Get(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestFutureGetRespectsContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureDone(t *testing.T) {
	f := Completed("ok")
	select {
	case <-f.Done():
	default:
		t.Fatal("completed future should have a closed done channel")
	}
}

func TestMap(t *testing.T) {
	t.Run("transforms value", func(t *testing.T) {
		f := Completed(2)
		g := Map(f, func(v int) (string, error) {
			if v != 2 {
				return "", errors.New("unexpected")
			}
			return "two", nil
		})

		v, err := g.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "two", v)
	})

	t.Run("propagates error", func(t *testing.T) {
		wantErr := errors.New("upstream")
		g := Map(Failed[int](wantErr), func(v int) (string, error) { return "", nil })

		_, err := g.Get(context.Background())
		assert.ErrorIs(t, err, wantErr)
	})
}
