package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/errgroup"

	"github.com/lmeve/esi-auth-golang/internal/helpers"
)

const (
	stateBytes    = 32
	verifierBytes = 48
	jwksCacheTTL  = time.Hour
)

type Client struct {
	h            *http.Client
	clientId     string
	clientSecret string
	redirectUri  string
	scopes       []string
	authorizeUrl string
	tokenUrl     string
	verifyUrl    string
	jwksUrl      string
	esiUrl       string
	userAgent    string
	now          func() time.Time
	logger       *slog.Logger

	jwksMu        sync.Mutex
	jwks          jwk.Set
	jwksFetchedAt time.Time
}

type ClientArgs struct {
	H            *http.Client
	ClientId     string
	ClientSecret string
	RedirectUri  string
	Scopes       []string
	AuthorizeUrl string
	TokenUrl     string
	VerifyUrl    string
	// JwksUrl enables local signature checks of access tokens. Empty skips them.
	JwksUrl   string
	EsiUrl    string
	UserAgent string
	Now       func() time.Time
	Logger    *slog.Logger
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.RedirectUri == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: 15 * time.Second,
		}
	}

	if len(args.Scopes) == 0 {
		args.Scopes = DefaultScopes
	}

	if args.AuthorizeUrl == "" {
		args.AuthorizeUrl = DefaultAuthorizeUrl
	}
	if args.TokenUrl == "" {
		args.TokenUrl = DefaultTokenUrl
	}
	if args.VerifyUrl == "" {
		args.VerifyUrl = DefaultVerifyUrl
	}
	if args.EsiUrl == "" {
		args.EsiUrl = DefaultEsiUrl
	}
	if args.UserAgent == "" {
		args.UserAgent = "lmeve-esi-auth"
	}
	if args.Now == nil {
		args.Now = time.Now
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	for _, u := range []string{args.AuthorizeUrl, args.TokenUrl, args.VerifyUrl, args.EsiUrl} {
		if _, err := isSafeAndParsed(u); err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", u, err)
		}
	}
	if args.JwksUrl != "" {
		if _, err := isSafeAndParsed(args.JwksUrl); err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", args.JwksUrl, err)
		}
	}

	return &Client{
		h:            args.H,
		clientId:     args.ClientId,
		clientSecret: args.ClientSecret,
		redirectUri:  args.RedirectUri,
		scopes:       args.Scopes,
		authorizeUrl: args.AuthorizeUrl,
		tokenUrl:     args.TokenUrl,
		verifyUrl:    args.VerifyUrl,
		jwksUrl:      args.JwksUrl,
		esiUrl:       strings.TrimSuffix(args.EsiUrl, "/"),
		userAgent:    args.UserAgent,
		now:          args.Now,
		logger:       args.Logger.With("component", "oauth"),
	}, nil
}

// BeginAuthorization creates a fresh PKCE state and the SSO authorization url
// the browser must be sent to. The caller persists the returned state until
// the callback arrives.
func (c *Client) BeginAuthorization() (*AuthorizationRequest, error) {
	state, err := helpers.GenerateToken(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("could not generate state token: %w", err)
	}

	pkceVerifier, err := helpers.GenerateToken(verifierBytes)
	if err != nil {
		return nil, fmt.Errorf("could not generate pkce verifier: %w", err)
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.clientId},
		"redirect_uri":          {c.redirectUri},
		"scope":                 {strings.Join(c.scopes, " ")},
		"state":                 {state},
		"code_challenge":        {helpers.GenerateCodeChallenge(pkceVerifier)},
		"code_challenge_method": {"S256"},
	}

	u, err := url.Parse(c.authorizeUrl)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()

	return &AuthorizationRequest{
		AuthorizationUrl: u.String(),
		State: PKCEAuthState{
			State:        state,
			CodeVerifier: pkceVerifier,
			RedirectUri:  c.redirectUri,
			CreatedAt:    c.now(),
		},
	}, nil
}

// CompleteAuthorization exchanges code for tokens and assembles the identity
// of the authenticated character. The state check happens before any request
// is made.
func (c *Client) CompleteAuthorization(ctx context.Context, code, state string, stored *PKCEAuthState) (*AuthUser, error) {
	if stored == nil || state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(stored.State)) != 1 {
		return nil, ErrStateMismatch
	}

	if code == "" {
		return nil, ErrOAuthMalformedCallback
	}

	tokenResp, err := c.InitialTokenRequest(ctx, code, stored.CodeVerifier, stored.RedirectUri)
	if err != nil {
		return nil, err
	}

	issuedAt := c.now()

	var claims *AccessTokenClaims
	if c.jwksUrl != "" {
		claims, err = c.ValidateAccessToken(ctx, tokenResp.AccessToken)
		if err != nil {
			return nil, err
		}
	}

	verified, err := c.VerifyToken(ctx, tokenResp.AccessToken)
	if err != nil {
		return nil, err
	}

	if claims != nil {
		if id, ok := claims.CharacterId(); !ok || id != verified.CharacterID {
			return nil, fmt.Errorf("%w: token subject does not match verified character", ErrTokenVerification)
		}
	}

	user, err := c.resolveIdentity(ctx, verified, tokenResp.AccessToken)
	if err != nil {
		return nil, err
	}

	user.AccessToken = tokenResp.AccessToken
	user.RefreshToken = tokenResp.RefreshToken
	user.TokenExpiry = issuedAt.Add(time.Duration(tokenResp.ExpiresIn) * time.Second).UnixMilli()
	user.Scopes = verified.ScopeList()

	return user, nil
}

func (c *Client) resolveIdentity(ctx context.Context, verified *VerifyResponse, accessToken string) (*AuthUser, error) {
	charId := verified.CharacterID

	character, err := c.GetCharacter(ctx, charId, accessToken)
	if err != nil {
		return nil, fmt.Errorf("could not fetch character %d: %w", charId, err)
	}

	var (
		corp       *CorporationInfo
		isDirector bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info, err := c.GetCorporation(gctx, character.CorporationId, accessToken)
		if err != nil {
			return fmt.Errorf("could not fetch corporation %d: %w", character.CorporationId, err)
		}
		corp = info
		return nil
	})
	g.Go(func() error {
		roles, err := c.GetCorporationRoles(gctx, character.CorporationId, accessToken)
		if err != nil {
			c.logger.Warn("could not check director role", "character", charId, "error", err)
			return nil
		}
		isDirector = hasRole(roles, charId, DirectorRole)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	user := &AuthUser{
		CharacterId:     charId,
		CharacterName:   firstNonEmpty(character.Name, verified.CharacterName),
		CorporationId:   character.CorporationId,
		CorporationName: corp.Name,
		IsDirector:      isDirector,
		IsCeo:           corp.CeoId == charId,
	}

	if corp.AllianceId != 0 {
		user.AllianceId = corp.AllianceId
		alliance, err := c.GetAlliance(ctx, corp.AllianceId)
		if err != nil {
			c.logger.Warn("could not fetch alliance", "alliance", corp.AllianceId, "error", err)
		} else {
			user.AllianceName = alliance.Name
		}
	}

	return user, nil
}

func (c *Client) InitialTokenRequest(ctx context.Context, code, pkceVerifier, redirectUri string) (*TokenResponse, error) {
	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.clientId},
		"redirect_uri":  {redirectUri},
		"code_verifier": {pkceVerifier},
	}

	return c.tokenRequest(ctx, params, ErrTokenExchange)
}

// RefreshAccessToken trades a refresh token for a new access token. The SSO
// may rotate the refresh token; callers should keep the returned one when set.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientId},
	}

	return c.tokenRequest(ctx, params, ErrTokenRefresh)
}

func (c *Client) tokenRequest(ctx context.Context, params url.Values, kind error) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenUrl, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kind, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.clientSecret != "" {
		req.SetBasicAuth(c.clientId, c.clientSecret)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var respMap map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&respMap); err != nil {
			respMap = nil
		}
		code, _ := respMap["error"].(string)
		return nil, &StatusError{Kind: kind, StatusCode: resp.StatusCode, Code: code}
	}

	var tokenResponse TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return nil, fmt.Errorf("%w: could not decode token response: %w", kind, err)
	}

	if tokenResponse.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", kind)
	}

	return &tokenResponse, nil
}

// VerifyToken asks the SSO who the access token belongs to.
func (c *Client) VerifyToken(ctx context.Context, accessToken string) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.getJson(ctx, c.verifyUrl, accessToken, ErrTokenVerification, &out); err != nil {
		return nil, err
	}

	if out.CharacterID == 0 {
		return nil, fmt.Errorf("%w: verify response carried no character", ErrTokenVerification)
	}

	return &out, nil
}

// ValidateAccessToken checks the JWT signature of an access token against the
// SSO key set and returns its claims.
func (c *Client) ValidateAccessToken(ctx context.Context, accessToken string) (*AccessTokenClaims, error) {
	if c.jwksUrl == "" {
		return nil, fmt.Errorf("%w: no jwks url configured", ErrTokenVerification)
	}

	set, err := c.keySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenVerification, err)
	}

	var claims AccessTokenClaims
	_, err = jwt.ParseWithClaims(accessToken, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	},
		jwt.WithValidMethods([]string{"ES256", "RS256"}),
		jwt.WithAudience(c.clientId),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenVerification, err)
	}

	return &claims, nil
}

func (c *Client) keySet(ctx context.Context) (jwk.Set, error) {
	c.jwksMu.Lock()
	defer c.jwksMu.Unlock()

	if c.jwks != nil && c.now().Sub(c.jwksFetchedAt) < jwksCacheTTL {
		return c.jwks, nil
	}

	set, err := jwk.Fetch(ctx, c.jwksUrl, jwk.WithHTTPClient(c.h))
	if err != nil {
		return nil, fmt.Errorf("could not fetch jwks: %w", err)
	}

	c.jwks = set
	c.jwksFetchedAt = c.now()
	return set, nil
}

func (c *Client) GetCharacter(ctx context.Context, id int64, accessToken string) (*CharacterInfo, error) {
	var out CharacterInfo
	if err := c.getJson(ctx, fmt.Sprintf("%s/characters/%d/", c.esiUrl, id), accessToken, ErrIdentityLookup, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCorporation(ctx context.Context, id int64, accessToken string) (*CorporationInfo, error) {
	var out CorporationInfo
	if err := c.getJson(ctx, fmt.Sprintf("%s/corporations/%d/", c.esiUrl, id), accessToken, ErrIdentityLookup, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAlliance is a public resource and is requested without a token.
func (c *Client) GetAlliance(ctx context.Context, id int64) (*AllianceInfo, error) {
	var out AllianceInfo
	if err := c.getJson(ctx, fmt.Sprintf("%s/alliances/%d/", c.esiUrl, id), "", ErrIdentityLookup, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCorporationRoles(ctx context.Context, corporationId int64, accessToken string) ([]CorporationRoles, error) {
	var out []CorporationRoles
	if err := c.getJson(ctx, fmt.Sprintf("%s/corporations/%d/roles/", c.esiUrl, corporationId), accessToken, ErrIdentityLookup, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJson(ctx context.Context, ustr, accessToken string, kind error, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Kind: kind, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: could not decode %s: %w", kind, req.URL.Path, err)
	}

	return nil
}

func hasRole(entries []CorporationRoles, characterId int64, role string) bool {
	for _, e := range entries {
		if e.CharacterId == characterId && tokenInSet(role, e.Roles) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// IsUpstreamStatus reports whether err carries an upstream HTTP status equal
// to code.
func IsUpstreamStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
