package wecom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultBaseURL is the platform API root used when config leaves it empty.
const DefaultBaseURL = "https://qyapi.weixin.qq.com/cgi-bin"

// refreshAheadMargin is how long before the real expiry a cached token is
// already treated as stale.
const refreshAheadMargin = 300 * time.Second

// APIError is a non-zero application-level error code from the platform API.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wecom: upstream error %d: %s", e.Code, e.Message)
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenCache acquires and caches one access token per corp-id/secret pair.
//
// Two goroutines that both observe a stale entry may both hit the token
// endpoint; the fetch is idempotent and the second result simply overwrites
// the first, so the race is accepted instead of serialized.
type TokenCache struct {
	baseURL string
	client  *http.Client
	now     func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

// NewTokenCache builds a cache talking to baseURL. A nil client falls back to
// a default with a request timeout.
func NewTokenCache(baseURL string, client *http.Client) *TokenCache {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &TokenCache{
		baseURL: baseURL,
		client:  client,
		now:     time.Now,
		tokens:  make(map[string]cachedToken),
	}
}

// GetToken returns a token valid for at least the refresh-ahead margin,
// fetching a fresh one from the platform when the cached entry is absent or
// stale.
func (tc *TokenCache) GetToken(ctx context.Context, corpID, secret string) (string, error) {
	key := corpID + ":" + secret

	tc.mu.Lock()
	entry, ok := tc.tokens[key]
	tc.mu.Unlock()

	if ok && entry.expiresAt.Add(-refreshAheadMargin).After(tc.now()) {
		return entry.value, nil
	}

	value, expiresIn, err := tc.fetch(ctx, corpID, secret)
	if err != nil {
		return "", err
	}

	tc.mu.Lock()
	tc.tokens[key] = cachedToken{
		value:     value,
		expiresAt: tc.now().Add(time.Duration(expiresIn) * time.Second),
	}
	tc.mu.Unlock()

	return value, nil
}

// Clear drops the cached token for one credential pair.
func (tc *TokenCache) Clear(corpID, secret string) {
	tc.mu.Lock()
	delete(tc.tokens, corpID+":"+secret)
	tc.mu.Unlock()
}

// ClearAll drops every cached token.
func (tc *TokenCache) ClearAll() {
	tc.mu.Lock()
	tc.tokens = make(map[string]cachedToken)
	tc.mu.Unlock()
}

func (tc *TokenCache) fetch(ctx context.Context, corpID, secret string) (string, int64, error) {
	endpoint := fmt.Sprintf("%s/gettoken?corpid=%s&corpsecret=%s",
		tc.baseURL, url.QueryEscape(corpID), url.QueryEscape(secret))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, fmt.Errorf("wecom: build token request: %w", err)
	}

	response, err := tc.client.Do(request)
	if err != nil {
		return "", 0, fmt.Errorf("wecom: fetch token: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", 0, fmt.Errorf("wecom: token endpoint returned status %d", response.StatusCode)
	}

	var body struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("wecom: decode token response: %w", err)
	}

	if body.ErrCode != 0 {
		return "", 0, fmt.Errorf("wecom: fetch token: %w", &APIError{Code: body.ErrCode, Message: body.ErrMsg})
	}
	if body.AccessToken == "" {
		return "", 0, errors.New("wecom: token endpoint returned an empty access_token")
	}

	return body.AccessToken, body.ExpiresIn, nil
}
