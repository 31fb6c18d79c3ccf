package utils

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounty-escrow-system/config"
)

func TestR2ArchiverUploadJSON(t *testing.T) {
	var (
		mu          sync.Mutex
		method      string
		path        string
		contentType string
		body        []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path, contentType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := NewR2Archiver(context.Background(), config.R2Config{
		AccountID:       "acct",
		AccessKeyID:     "key",
		AccessKeySecret: "secret",
		Bucket:          "archive",
	}, srv.URL)
	require.NoError(t, err)

	err = a.UploadJSON(context.Background(), "failed-bounties/2026-03-01/acme-widgets-1.json", map[string]int{"bounty_id": 1})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/archive/failed-bounties/2026-03-01/acme-widgets-1.json", path)
	assert.Equal(t, "application/json", contentType)
	assert.Contains(t, string(body), `"bounty_id": 1`)
}
