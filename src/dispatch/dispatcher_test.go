package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeRunsSerially(t *testing.T) {
	d := NewDispatcher("test")
	defer d.Close()

	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Invoke(context.Background(), func(ctx context.Context) error {
				order = append(order, i)
				return nil
			})
		}()
	}
	wg.Wait()

	// No data race and every task ran exactly once.
	assert.Len(t, order, 20)
}

func TestVerifyAccess(t *testing.T) {
	d := NewDispatcher("test")
	defer d.Close()

	other := NewDispatcher("other")
	defer other.Close()

	err := d.VerifyAccess(context.Background())
	require.ErrorIs(t, err, ErrWrongDispatcher)

	err = d.Invoke(context.Background(), func(ctx context.Context) error {
		if accessErr := d.VerifyAccess(ctx); accessErr != nil {
			return accessErr
		}
		return other.VerifyAccess(ctx)
	})
	require.ErrorIs(t, err, ErrWrongDispatcher)
}

func TestNestedInvokeRunsInline(t *testing.T) {
	d := NewDispatcher("test")
	defer d.Close()

	err := d.Invoke(context.Background(), func(ctx context.Context) error {
		return d.Invoke(ctx, func(ctx context.Context) error {
			return d.VerifyAccess(ctx)
		})
	})
	require.NoError(t, err)
}

func TestClosedDispatcherRejectsWork(t *testing.T) {
	d := NewDispatcher("test")
	d.Close()

	err := d.Invoke(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestInvokeResult(t *testing.T) {
	d := NewDispatcher("test")
	defer d.Close()

	got, err := Invoke(context.Background(), d, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
