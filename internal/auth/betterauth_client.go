package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
)

// CredentialSource hands out provider access tokens for an account
type CredentialSource interface {
	Token(ctx context.Context, account mail.Account) (*oauth2.Token, error)
}

// BetterAuthClient fetches OAuth tokens from BetterAuth. BetterAuth owns
// storage and refresh of the provider grants; this client only reads them.
type BetterAuthClient struct {
	baseURL      string
	serviceToken string
	client       *http.Client
	log          *zap.Logger
}

func NewBetterAuthClient(authServerURL, serviceToken string, log *zap.Logger) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL:      strings.TrimRight(authServerURL, "/"),
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: 10 * time.Second},
		log:          log.Named("betterauth"),
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds
}

// Token returns the current access token for account. A missing or revoked
// grant is reported as mailerr.ErrAuthenticationNeeded.
func (c *BetterAuthClient) Token(ctx context.Context, account mail.Account) (*oauth2.Token, error) {
	endpoint := fmt.Sprintf("%s/api/auth/accounts/%s/token?account=%s",
		c.baseURL, account.Provider, url.QueryEscape(account.Username))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", mailerr.ErrCanceled, err)
		}
		return nil, &mailerr.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		c.log.Warn("No usable grant for account",
			zap.String("account_id", account.ID),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: no %s grant for %s", mailerr.ErrAuthenticationNeeded, account.Provider, account.Username)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, mailerr.FromHTTPStatus(resp.StatusCode, "", string(body))
	}

	var result tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", mailerr.ErrAuthenticationNeeded)
	}

	tok := &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    "Bearer",
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}

// TokenSource adapts src to an oauth2.TokenSource for one account. Tokens are
// reused until they expire.
func TokenSource(src CredentialSource, account mail.Account) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &accountTokenSource{src: src, account: account})
}

type accountTokenSource struct {
	src     CredentialSource
	account mail.Account
}

func (s *accountTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.src.Token(ctx, s.account)
}
