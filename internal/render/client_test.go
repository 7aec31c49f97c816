package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/domain"
)

func newTestClient(url string) *Client {
	return NewClient(config.Delivery{RenderURL: url, RenderTimeout: time.Second}, "test", zap.NewNop())
}

func testEvent() *domain.Event {
	return &domain.Event{ID: 42, SolarSystemID: 30000142, TotalValue: 1.5e9}
}

func TestClient_Render(t *testing.T) {
	var got domain.Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test", r.Header.Get("User-Agent"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer server.Close()

	data, err := newTestClient(server.URL).Render(context.Background(), testEvent())

	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, int64(30000142), got.SolarSystemID)
}

func TestClient_Render_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	data, err := newTestClient(server.URL).Render(context.Background(), testEvent())

	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestClient_Render_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "chromium crashed", http.StatusInternalServerError)
			},
			wantErr: "HTTP 500",
		},
		{
			name: "not an image",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte("<html></html>"))
			},
			wantErr: "content type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := newTestClient(server.URL).Render(context.Background(), testEvent())

			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
