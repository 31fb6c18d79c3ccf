package tracker

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	defaultAPIURL   = "https://api.github.com"
	appJWTLifetime  = 9 * time.Minute
	tokenRefreshGap = time.Minute
)

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// GitHubClient talks to the GitHub REST API as a GitHub App.
type GitHubClient struct {
	baseURL    string
	appID      string
	key        *rsa.PrivateKey
	resolver   InstallationResolver
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

type GitHubOption func(*GitHubClient)

func WithBaseURL(u string) GitHubOption {
	return func(c *GitHubClient) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			c.baseURL = u
		}
	}
}

// WithRateLimit caps outbound requests per second across all installations.
func WithRateLimit(perSecond float64) GitHubOption {
	return func(c *GitHubClient) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithClock(now func() time.Time) GitHubOption {
	return func(c *GitHubClient) {
		if now != nil {
			c.now = now
		}
	}
}

func WithHTTPClient(h *http.Client) GitHubOption {
	return func(c *GitHubClient) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func NewGitHubClient(appID string, key *rsa.PrivateKey, resolver InstallationResolver, opts ...GitHubOption) *GitHubClient {
	c := &GitHubClient{
		baseURL:    defaultAPIURL,
		appID:      appID,
		key:        key,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		now:        time.Now,
		tokens:     make(map[int64]cachedToken),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ParsePrivateKey accepts either PEM text or a path to a PEM file.
func ParsePrivateKey(pemOrPath string) (*rsa.PrivateKey, error) {
	raw := []byte(pemOrPath)
	if !strings.Contains(pemOrPath, "-----BEGIN") {
		b, err := os.ReadFile(strings.TrimSpace(pemOrPath))
		if err != nil {
			return nil, fmt.Errorf("read app private key: %w", err)
		}
		raw = b
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return key, nil
}

func (c *GitHubClient) appJWT() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
}

func (c *GitHubClient) GetInstallationAccessToken(ctx context.Context, installationID int64) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[installationID]
	c.mu.Unlock()
	if ok && cached.expiresAt.After(c.now().Add(tokenRefreshGap)) {
		return cached.token, nil
	}

	appToken, err := c.appJWT()
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	path := "/app/installations/" + strconv.FormatInt(installationID, 10) + "/access_tokens"
	if err := c.do(ctx, http.MethodPost, path, appToken, nil, &out); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.tokens[installationID] = cachedToken{token: out.Token, expiresAt: out.ExpiresAt}
	c.mu.Unlock()
	return out.Token, nil
}

func (c *GitHubClient) PostComment(ctx context.Context, repo string, number int, body string) error {
	token, err := c.tokenForRepo(ctx, repo)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	return c.do(ctx, http.MethodPost, path, token, map[string]string{"body": body}, nil)
}

func (c *GitHubClient) ClosePullRequest(ctx context.Context, repo string, number int) error {
	token, err := c.tokenForRepo(ctx, repo)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, number)
	return c.do(ctx, http.MethodPatch, path, token, map[string]string{"state": "closed"}, nil)
}

func (c *GitHubClient) tokenForRepo(ctx context.Context, repo string) (string, error) {
	owner, _, err := SplitRepo(repo)
	if err != nil {
		return "", err
	}
	id, err := c.resolver.InstallationForOwner(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrNoInstallation, owner, err)
	}
	return c.GetInstallationAccessToken(ctx, id)
}

func (c *GitHubClient) do(ctx context.Context, method, path, token string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: %s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		log.Printf("[TRACKER] ❌ %s %s returned %d", method, path, resp.StatusCode)
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
