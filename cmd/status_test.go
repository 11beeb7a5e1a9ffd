package cmd

import (
	"context"
	"github.com/arcward/shardkeeper/shardkeeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchStatus(t *testing.T) {
	const secret = "status-test-secret-0123"
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get(shardkeeper.SecretHeader) != secret {
					w.WriteHeader(http.StatusUnauthorized)
					_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"generation":1,"ready":true}`))
			},
		),
	)
	t.Cleanup(srv.Close)

	ctx := context.Background()

	t.Run(
		"ok", func(t *testing.T) {
			body, err := fetchStatus(ctx, srv.Client(), srv.URL+"/api/status", secret)
			require.NoError(t, err)
			assert.JSONEq(t, `{"generation":1,"ready":true}`, string(body))
		},
	)

	t.Run(
		"bad secret", func(t *testing.T) {
			_, err := fetchStatus(ctx, srv.Client(), srv.URL+"/api/status", "nope")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "401")
		},
	)
}
