package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/observer/hirechat/internal/domain"
)

// TokenPath is the HTTP route serving token requests
const TokenPath = "/jobbit/v1/chat/token"

// TokenProvider supplies a fresh token request on every (re)connect.
// Results must not be cached by callers.
type TokenProvider interface {
	Request(ctx context.Context) (*TokenRequest, error)
}

// TokenProviderFunc adapts a function to TokenProvider
type TokenProviderFunc func(ctx context.Context) (*TokenRequest, error)

func (f TokenProviderFunc) Request(ctx context.Context) (*TokenRequest, error) {
	return f(ctx)
}

// TokenResponse is the body served on TokenPath
type TokenResponse struct {
	Data struct {
		TokenRequest *TokenRequest `json:"tokenRequest"`
	} `json:"data"`
}

// HTTPTokenProvider fetches token requests from the chat API.
type HTTPTokenProvider struct {
	baseURL     string
	bearerToken string
	client      *http.Client
	logger      *slog.Logger
}

// NewHTTPTokenProvider creates a provider against baseURL authenticated
// with bearerToken. A nil client uses a 10s timeout default.
func NewHTTPTokenProvider(baseURL, bearerToken string, client *http.Client, logger *slog.Logger) *HTTPTokenProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTokenProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		bearerToken: bearerToken,
		client:      client,
		logger:      logger.With("component", "token_provider"),
	}
}

func (p *HTTPTokenProvider) Request(ctx context.Context) (*TokenRequest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+TokenPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.bearerToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		p.logger.Warn("token endpoint rejected request", "status", resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: token endpoint returned %d", domain.ErrForbidden, resp.StatusCode)
		}
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if out.Data.TokenRequest == nil {
		return nil, errors.New("token response has no tokenRequest")
	}
	return out.Data.TokenRequest, nil
}

// LocalTokenProvider issues token requests in-process. Used by the gateway
// itself and by tests that share the signing key.
type LocalTokenProvider struct {
	tokens *TokenService
	handle int64
	role   domain.Role
}

func NewLocalTokenProvider(tokens *TokenService, handle int64, role domain.Role) *LocalTokenProvider {
	return &LocalTokenProvider{tokens: tokens, handle: handle, role: role}
}

func (p *LocalTokenProvider) Request(ctx context.Context) (*TokenRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.tokens.IssueTokenRequest(p.handle, p.role, CapabilityFor(p.role, p.handle).String())
}
