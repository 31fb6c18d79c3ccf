package tracker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string]int64

func (r staticResolver) InstallationForOwner(ctx context.Context, owner string) (int64, error) {
	id, ok := r[owner]
	if !ok {
		return 0, errors.New("unknown owner")
	}
	return id, nil
}

type fakeGitHub struct {
	mu         sync.Mutex
	tokenCalls int
	appJWTs    []string
	requests   []string
	bodies     []map[string]string
	auth       []string
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	f := &fakeGitHub{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/app/installations/") {
			f.tokenCalls++
			f.appJWTs = append(f.appJWTs, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"token":      "inst-token",
				"expires_at": time.Now().Add(time.Hour),
			})
			return
		}
		if strings.Contains(r.URL.Path, "/missing/") {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.bodies = append(f.bodies, body)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestGitHubPostCommentUsesInstallationToken(t *testing.T) {
	f, srv := newFakeGitHub(t)
	key := testKey(t)
	c := NewGitHubClient("1234", key, staticResolver{"acme": 99}, WithBaseURL(srv.URL), WithRateLimit(100))

	require.NoError(t, c.PostComment(context.Background(), "acme/widgets", 42, "hello"))
	require.NoError(t, c.ClosePullRequest(context.Background(), "acme/widgets", 7))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.tokenCalls, "installation token is cached")
	assert.Equal(t, []string{
		"POST /repos/acme/widgets/issues/42/comments",
		"PATCH /repos/acme/widgets/pulls/7",
	}, f.requests)
	assert.Equal(t, "hello", f.bodies[0]["body"])
	assert.Equal(t, "closed", f.bodies[1]["state"])
	assert.Equal(t, "Bearer inst-token", f.auth[0])

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(f.appJWTs[0], claims, func(*jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.Equal(t, "1234", claims.Issuer)
}

func TestGitHubTokenRefreshedNearExpiry(t *testing.T) {
	f, srv := newFakeGitHub(t)
	now := time.Now()
	c := NewGitHubClient("1", testKey(t), staticResolver{}, WithBaseURL(srv.URL),
		WithClock(func() time.Time { return now }))

	_, err := c.GetInstallationAccessToken(context.Background(), 5)
	require.NoError(t, err)
	now = now.Add(59*time.Minute + 30*time.Second)
	_, err = c.GetInstallationAccessToken(context.Background(), 5)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.tokenCalls)
}

func TestGitHubErrors(t *testing.T) {
	_, srv := newFakeGitHub(t)
	c := NewGitHubClient("1", testKey(t), staticResolver{"missing": 3, "acme": 4}, WithBaseURL(srv.URL))

	err := c.PostComment(context.Background(), "nobody/repo", 1, "x")
	assert.ErrorIs(t, err, ErrNoInstallation)

	err = c.PostComment(context.Background(), "not-a-repo", 1, "x")
	assert.ErrorIs(t, err, ErrBadRepo)

	err = c.ClosePullRequest(context.Background(), "missing/repo", 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestFormatAmountGroupsThousands(t *testing.T) {
	assert.Equal(t, "1,234,567", FormatAmount(1234567))
	assert.Equal(t, "100", FormatAmount(100))
	assert.Contains(t, FundedComment(2500, "EscrowAddr", "https://dash.example", "acme-widgets-42"),
		"2,500 tokens")
	assert.Contains(t, FundedComment(2500, "EscrowAddr", "https://dash.example/", "acme-widgets-42"),
		"https://dash.example/bounties/acme-widgets-42")
}

func TestRecorderFailures(t *testing.T) {
	r := NewRecorder()
	r.FailClose(2, errors.New("boom"))
	require.NoError(t, r.ClosePullRequest(context.Background(), "a/b", 1))
	require.Error(t, r.ClosePullRequest(context.Background(), "a/b", 2))
	assert.Equal(t, []int{1}, r.ClosedPRs())

	require.NoError(t, r.PostComment(context.Background(), "a/b", 1, "hi"))
	assert.Equal(t, []string{"hi"}, r.CommentsOn(1))
}
