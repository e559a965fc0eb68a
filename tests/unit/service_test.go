package unit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ramaproxy/rama/pkg/service"
)

func TestServiceChainOrdersOutermostFirst(t *testing.T) {
	var order []string
	layer := func(name string) service.Layer[string, string] {
		return service.LayerFunc[string, string](func(inner service.Service[string, string]) service.Service[string, string] {
			return service.ServiceFunc[string, string](func(ctx context.Context, req string) (string, error) {
				order = append(order, name)
				return inner.Serve(ctx, req)
			})
		})
	}
	base := service.ServiceFunc[string, string](func(ctx context.Context, req string) (string, error) {
		order = append(order, "base")
		return req, nil
	})

	svc := service.Chain(layer("a"), layer("b"), layer("c")).Wrap(base)
	resp, err := svc.Serve(context.Background(), "in")
	require.NoError(t, err)
	require.Equal(t, "in", resp)
	require.Equal(t, []string{"a", "b", "c", "base"}, order)
}

func TestServiceStackEquivalentToChain(t *testing.T) {
	var calls int
	countLayer := service.LayerFunc[int, int](func(inner service.Service[int, int]) service.Service[int, int] {
		return service.ServiceFunc[int, int](func(ctx context.Context, req int) (int, error) {
			calls++
			return inner.Serve(ctx, req)
		})
	})
	base := service.ServiceFunc[int, int](func(ctx context.Context, req int) (int, error) {
		return req * 2, nil
	})

	svc := service.Stack[int, int](base, countLayer, countLayer)
	resp, err := svc.Serve(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 6, resp)
	require.Equal(t, 2, calls)
}

func TestServiceOptionalDisabledIsPassthrough(t *testing.T) {
	applied := false
	layer := service.LayerFunc[int, int](func(inner service.Service[int, int]) service.Service[int, int] {
		applied = true
		return inner
	})
	base := service.ServiceFunc[int, int](func(ctx context.Context, req int) (int, error) {
		return req, nil
	})

	svc := service.Optional(false, layer).Wrap(base)
	_, err := svc.Serve(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, applied, "a disabled Optional layer must never wrap the inner service")

	svc = service.Optional(true, layer).Wrap(base)
	_, err = svc.Serve(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, applied)
}
