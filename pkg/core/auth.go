package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blackcoderx/amsdk/pkg/transport"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// TokenPath is the OAuth token endpoint on the auth host.
const TokenPath = "/oauth2/token"

// ErrNotSignedIn is returned by Token when no user token is held.
var ErrNotSignedIn = errors.New("no user is signed in")

// AuthorizationManager holds the signed-in user's OAuth token. It obtains tokens with
// the password grant through the regular request pipeline and refreshes them when
// they expire. It implements AccessTokenSource and oauth2.TokenSource.
type AuthorizationManager struct {
	client *Client

	mu    sync.RWMutex
	token *oauth2.Token

	refreshGroup singleflight.Group
	// expiryDelta refreshes tokens slightly before they expire.
	expiryDelta time.Duration
}

func newAuthorizationManager(c *Client) *AuthorizationManager {
	return &AuthorizationManager{client: c, expiryDelta: 10 * time.Second}
}

// tokenResponse is the body returned by the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    any    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// PasswordCredentials are the inputs of the password grant.
type PasswordCredentials struct {
	Username    string
	Password    string
	Agency      string
	Environment string
	Scopes      []string
}

// PasswordLogin exchanges user credentials for a token and stores it. Empty agency,
// environment or scopes fall back to the client configuration.
func (m *AuthorizationManager) PasswordLogin(ctx context.Context, creds PasswordCredentials) (*oauth2.Token, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, errors.New("username and password are required")
	}
	cfg := m.client.cfg
	if creds.Agency == "" {
		creds.Agency = cfg.Agency
	}
	if creds.Environment == "" {
		creds.Environment = cfg.Environment
	}
	if len(creds.Scopes) == 0 {
		creds.Scopes = cfg.Scopes
	}

	form := m.client.Params().
		Put("grant_type", "password").
		Put("client_id", cfg.AppID).
		Put("client_secret", cfg.AppSecret).
		Put("username", creds.Username).
		Put("password", creds.Password).
		Put("agency_name", creds.Agency).
		Put("environment", creds.Environment).
		Put("scope", strings.Join(creds.Scopes, " "))

	tok, err := m.exchange(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("password login failed: %w", err)
	}
	m.SetToken(tok)
	m.client.logger.Info("signed in", "agency", creds.Agency, "environment", creds.Environment)
	return tok, nil
}

// Refresh exchanges the refresh token for a new access token. Concurrent calls share
// one exchange.
func (m *AuthorizationManager) Refresh(ctx context.Context) (*oauth2.Token, error) {
	v, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		current := m.current()
		if current == nil || current.RefreshToken == "" {
			return nil, ErrNotSignedIn
		}
		form := m.client.Params().
			Put("grant_type", "refresh_token").
			Put("client_id", m.client.cfg.AppID).
			Put("client_secret", m.client.cfg.AppSecret).
			Put("refresh_token", current.RefreshToken)

		tok, err := m.exchange(ctx, form)
		if err != nil {
			return nil, fmt.Errorf("token refresh failed: %w", err)
		}
		if tok.RefreshToken == "" {
			tok.RefreshToken = current.RefreshToken
		}
		m.SetToken(tok)
		m.client.logger.Debug("token refreshed")
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// Token implements oauth2.TokenSource, refreshing an expired token first.
func (m *AuthorizationManager) Token() (*oauth2.Token, error) {
	tok := m.current()
	if tok == nil {
		return nil, ErrNotSignedIn
	}
	if m.fresh(tok) {
		return tok, nil
	}
	return m.Refresh(context.Background())
}

// AccessToken returns the current access token, or "" when no valid token is held.
// A failed refresh is logged and treated as signed out.
func (m *AuthorizationManager) AccessToken() string {
	tok := m.current()
	if tok == nil {
		return ""
	}
	if m.fresh(tok) {
		return tok.AccessToken
	}
	if tok.RefreshToken == "" {
		return ""
	}
	tok, err := m.Refresh(context.Background())
	if err != nil {
		m.client.logger.Warn("token refresh failed", "error", err)
		return ""
	}
	return tok.AccessToken
}

// SetToken replaces the held token, e.g. one restored from storage by the caller.
func (m *AuthorizationManager) SetToken(tok *oauth2.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok
}

// Logout forgets the held token.
func (m *AuthorizationManager) Logout() {
	m.SetToken(nil)
}

// SignedIn reports whether a token is held.
func (m *AuthorizationManager) SignedIn() bool {
	return m.current() != nil
}

// Held returns the held token as is, without refreshing it. It is nil when signed out.
func (m *AuthorizationManager) Held() *oauth2.Token {
	return m.current()
}

func (m *AuthorizationManager) current() *oauth2.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *AuthorizationManager) fresh(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || time.Now().Add(m.expiryDelta).Before(tok.Expiry)
}

// exchange posts form to the token endpoint as an authentication request and waits
// for the result. The request goes through the queue like any other.
func (m *AuthorizationManager) exchange(ctx context.Context, form *transport.RequestParams) (*oauth2.Token, error) {
	c := m.client
	r := c.newRequest(c.resolve(c.cfg.AuthHost, TokenPath), MethodPost, nil)
	r.SetType(TypeAuthentication).SetPostParams(form)

	r.Send(DelegateFuncs{})
	resp, err := r.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			r.Cancel()
		}
		return nil, err
	}

	var body tokenResponse
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	if body.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access_token")
	}

	tok := &oauth2.Token{
		AccessToken:  body.AccessToken,
		TokenType:    body.TokenType,
		RefreshToken: body.RefreshToken,
	}
	if secs := expiresIn(body.ExpiresIn); secs > 0 {
		tok.Expiry = time.Now().Add(time.Duration(secs) * time.Second)
	}
	return tok.WithExtra(map[string]any{"scope": body.Scope}), nil
}

// expiresIn accepts both numeric and string encodings of expires_in.
func expiresIn(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		var secs int64
		if _, err := fmt.Sscan(n, &secs); err == nil {
			return secs
		}
	}
	return 0
}
