package universe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/domain"
	"github.com/zifox666/xiaobawang/internal/store"
)

func TestESIResolver_LocateCaches(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/universe/systems/30000142/":
			_, _ = w.Write([]byte(`{"system_id": 30000142, "name": "Jita", "constellation_id": 20000020}`))
		case "/universe/constellations/20000020/":
			_, _ = w.Write([]byte(`{"constellation_id": 20000020, "name": "Kimotoro", "region_id": 10000002}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	resolver := NewESIResolver(config.ESI{BaseURL: server.URL + "/", Timeout: time.Second, CacheTTL: time.Hour}, store.NewMemory(), "test", zap.NewNop())

	ctx := context.Background()
	loc, err := resolver.Locate(ctx, 30000142)
	require.NoError(t, err)
	assert.Equal(t, domain.Location{SystemID: 30000142, ConstellationID: 20000020, RegionID: 10000002}, loc)
	assert.Equal(t, int32(2), calls.Load())

	again, err := resolver.Locate(ctx, 30000142)
	require.NoError(t, err)
	assert.Equal(t, loc, again)
	assert.Equal(t, int32(2), calls.Load())
}

func TestESIResolver_LocateUnknownSystem(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	resolver := NewESIResolver(config.ESI{BaseURL: server.URL, Timeout: time.Second, CacheTTL: time.Hour}, store.NewMemory(), "", zap.NewNop())

	_, err := resolver.Locate(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}
