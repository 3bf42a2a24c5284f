package oauth

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LocalAdminCharacterID is the character id given to identities produced by
// the local credential path. EVE never issues negative character ids.
const LocalAdminCharacterID int64 = -1

// AuthUser is the unified session identity, produced either by local
// credentials (IsAdmin) or by an EVE SSO login.
type AuthUser struct {
	CharacterId     int64    `json:"characterId"`
	CharacterName   string   `json:"characterName"`
	CorporationId   int64    `json:"corporationId"`
	CorporationName string   `json:"corporationName"`
	AllianceId      int64    `json:"allianceId,omitempty"`
	AllianceName    string   `json:"allianceName,omitempty"`
	AccessToken     string   `json:"accessToken"`
	RefreshToken    string   `json:"refreshToken"`
	TokenExpiry     int64    `json:"tokenExpiry"`
	Scopes          []string `json:"scopes"`
	IsDirector      bool     `json:"isDirector"`
	IsCeo           bool     `json:"isCeo"`
	IsAdmin         bool     `json:"isAdmin,omitempty"`
}

// Expiry returns TokenExpiry as a time.
func (u *AuthUser) Expiry() time.Time {
	return time.UnixMilli(u.TokenExpiry)
}

// PKCEAuthState is the single-use state of one authorization round trip.
type PKCEAuthState struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"codeVerifier"`
	RedirectUri  string    `json:"redirectUri"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Expired reports whether the state is older than ttl at now.
func (s *PKCEAuthState) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.CreatedAt) > ttl
}

type AuthorizationRequest struct {
	AuthorizationUrl string        `json:"authorizationUrl"`
	State            PKCEAuthState `json:"state"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// VerifyResponse is the body of the SSO /oauth/verify endpoint.
type VerifyResponse struct {
	CharacterID        int64  `json:"CharacterID"`
	CharacterName      string `json:"CharacterName"`
	ExpiresOn          string `json:"ExpiresOn"`
	Scopes             string `json:"Scopes"`
	TokenType          string `json:"TokenType"`
	CharacterOwnerHash string `json:"CharacterOwnerHash"`
}

// ScopeList splits the space separated Scopes field.
func (v *VerifyResponse) ScopeList() []string {
	return strings.Fields(v.Scopes)
}

type CharacterInfo struct {
	Name          string `json:"name"`
	CorporationId int64  `json:"corporation_id"`
	AllianceId    int64  `json:"alliance_id,omitempty"`
}

type CorporationInfo struct {
	Name        string `json:"name"`
	Ticker      string `json:"ticker"`
	CeoId       int64  `json:"ceo_id"`
	AllianceId  int64  `json:"alliance_id,omitempty"`
	MemberCount int64  `json:"member_count"`
}

type AllianceInfo struct {
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// CorporationRoles is one entry of /corporations/{id}/roles/.
type CorporationRoles struct {
	CharacterId int64    `json:"character_id"`
	Roles       []string `json:"roles"`
}

// AccessTokenClaims are the claims of an SSO v2 access token.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	Name   string           `json:"name"`
	Owner  string           `json:"owner"`
	Scopes jwt.ClaimStrings `json:"scp"`
}

// CharacterId extracts the id from a subject of the form CHARACTER:EVE:<id>.
func (c *AccessTokenClaims) CharacterId() (int64, bool) {
	parts := strings.Split(c.Subject, ":")
	if len(parts) != 3 || parts[0] != "CHARACTER" {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
