package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// recipientPrefix is the channel decoration some callers leave on recipient
// ids ("wecom:zhangsan"); the platform wants the bare id.
const recipientPrefix = "wecom:"

// Credentials identifies one corp application when talking to the platform API.
type Credentials struct {
	CorpID  string
	Secret  string
	AgentID string
}

// SendResult is the platform's acknowledgement of one outbound send.
type SendResult struct {
	MsgID string
}

// Client performs outbound platform API calls for one gateway process. Tokens
// come from a shared TokenCache so accounts on the same credential pair reuse
// one token.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  *TokenCache
}

// NewClient builds a sender against baseURL, backed by tokens.
func NewClient(baseURL string, httpClient *http.Client, tokens *TokenCache) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if tokens == nil {
		tokens = NewTokenCache(baseURL, httpClient)
	}

	return &Client{baseURL: baseURL, client: httpClient, tokens: tokens}
}

// Tokens exposes the underlying cache for invalidation on credential rotation.
func (c *Client) Tokens() *TokenCache {
	return c.tokens
}

type sendRequest struct {
	ToUser  string `json:"touser"`
	MsgType string `json:"msgtype"`
	AgentID string `json:"agentid"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

// SendText delivers one text message to recipient through the platform send
// endpoint. A non-2xx status or non-zero errcode is returned as an error
// carrying the upstream message.
func (c *Client) SendText(ctx context.Context, creds Credentials, recipient, text string) (SendResult, error) {
	token, err := c.tokens.GetToken(ctx, creds.CorpID, creds.Secret)
	if err != nil {
		return SendResult{}, err
	}

	payload := sendRequest{
		ToUser:  strings.TrimPrefix(recipient, recipientPrefix),
		MsgType: "text",
		AgentID: creds.AgentID,
	}
	payload.Text.Content = text

	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("wecom: encode send request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/message/send?access_token=%s", c.baseURL, url.QueryEscape(token))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("wecom: build send request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("wecom: send message: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return SendResult{}, fmt.Errorf("wecom: send endpoint returned status %d", response.StatusCode)
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MsgID   string `json:"msgid"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return SendResult{}, fmt.Errorf("wecom: decode send response: %w", err)
	}

	if result.ErrCode != 0 {
		return SendResult{}, fmt.Errorf("wecom: send message: %w", &APIError{Code: result.ErrCode, Message: result.ErrMsg})
	}

	return SendResult{MsgID: result.MsgID}, nil
}
