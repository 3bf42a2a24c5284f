// Package esitest runs a fake EVE SSO and ESI for tests.
package esitest

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/lmeve/esi-auth-golang/internal/helpers"
)

// Server answers the SSO and ESI routes used by the login flow. A zero
// *Status field means 200.
type Server struct {
	*httptest.Server

	mu    sync.Mutex
	calls map[string]int
	forms map[string]url.Values

	ClientId        string
	CharacterId     int64
	CharacterName   string
	CorporationId   int64
	CorporationName string
	CeoId           int64
	AllianceId      int64
	AllianceName    string
	Roles           []string
	Scopes          []string
	ExpiresIn       int64

	TokenStatus       int
	RefreshStatus     int
	VerifyStatus      int
	CharacterStatus   int
	CorporationStatus int
	AllianceStatus    int
	RolesStatus       int

	// SigningKey makes issued access tokens ES256 JWTs and is served at /oauth/jwks.
	SigningKey jwk.Key

	// TokenGate, when set, holds every token and refresh request after it is
	// counted until the channel is closed.
	TokenGate chan struct{}

	issued int
}

// New starts a server preloaded with a CEO/director character in an alliance.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		calls:           map[string]int{},
		forms:           map[string]url.Values{},
		ClientId:        "test-client",
		CharacterId:     90000001,
		CharacterName:   "Jita Trader",
		CorporationId:   98000001,
		CorporationName: "Test Industries",
		CeoId:           90000001,
		AllianceId:      99000001,
		AllianceName:    "Test Alliance Please Ignore",
		Roles:           []string{"Director"},
		Scopes:          []string{"publicData", "esi-corporations.read_corporation_membership.v1"},
		ExpiresIn:       1199,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/oauth/token", s.handleToken)
	mux.HandleFunc("GET /oauth/verify", s.handleVerify)
	mux.HandleFunc("GET /oauth/jwks", s.handleJwks)
	mux.HandleFunc("GET /esi/characters/{id}/{$}", s.handleCharacter)
	mux.HandleFunc("GET /esi/corporations/{id}/{$}", s.handleCorporation)
	mux.HandleFunc("GET /esi/corporations/{id}/roles/{$}", s.handleRoles)
	mux.HandleFunc("GET /esi/alliances/{id}/{$}", s.handleAlliance)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

func (s *Server) AuthorizeUrl() string { return s.URL + "/v2/oauth/authorize" }
func (s *Server) TokenUrl() string     { return s.URL + "/v2/oauth/token" }
func (s *Server) VerifyUrl() string    { return s.URL + "/oauth/verify" }
func (s *Server) JwksUrl() string      { return s.URL + "/oauth/jwks" }
func (s *Server) EsiUrl() string       { return s.URL + "/esi" }

// Calls returns how often a route was hit. Names: token, refresh, verify,
// jwks, character, corporation, roles, alliance.
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// LastForm returns the last form posted for token or refresh.
func (s *Server) LastForm(name string) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forms[name]
}

func (s *Server) hit(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	name := "token"
	status := s.TokenStatus
	if r.PostForm.Get("grant_type") == "refresh_token" {
		name = "refresh"
		status = s.RefreshStatus
	}

	s.hit(name)
	if s.TokenGate != nil {
		select {
		case <-s.TokenGate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	s.forms[name] = r.PostForm
	s.issued++
	n := s.issued
	s.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		writeError(w, status, "invalid_grant")
		return
	}

	accessToken, err := s.accessToken(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJson(w, map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    s.ExpiresIn,
		"refresh_token": fmt.Sprintf("refresh-%d", n),
	})
}

func (s *Server) accessToken(n int) (string, error) {
	if s.SigningKey == nil {
		return fmt.Sprintf("access-%d", n), nil
	}

	var pkey ecdsa.PrivateKey
	if err := s.SigningKey.Raw(&pkey); err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  fmt.Sprintf("CHARACTER:EVE:%d", s.CharacterId),
		"name": s.CharacterName,
		"aud":  []string{s.ClientId, "EVE Online"},
		"iss":  "https://login.eveonline.com",
		"iat":  now.Unix(),
		"exp":  now.Add(time.Duration(s.ExpiresIn) * time.Second).Unix(),
		"scp":  s.Scopes,
		"jti":  fmt.Sprintf("jti-%d", n),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.SigningKey.KeyID()

	return token.SignedString(&pkey)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.hit("verify")
	if !s.authorized(w, r, s.VerifyStatus) {
		return
	}

	writeJson(w, map[string]any{
		"CharacterID":        s.CharacterId,
		"CharacterName":      s.CharacterName,
		"ExpiresOn":          time.Now().Add(20 * time.Minute).UTC().Format("2006-01-02T15:04:05"),
		"Scopes":             strings.Join(s.Scopes, " "),
		"TokenType":          "Character",
		"CharacterOwnerHash": "owner-hash",
	})
}

func (s *Server) handleJwks(w http.ResponseWriter, r *http.Request) {
	s.hit("jwks")
	if s.SigningKey == nil {
		http.NotFound(w, r)
		return
	}

	pub, err := s.SigningKey.PublicKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJson(w, map[string]any{"keys": []jwk.Key{pub}})
}

func (s *Server) handleCharacter(w http.ResponseWriter, r *http.Request) {
	s.hit("character")
	if !s.authorized(w, r, s.CharacterStatus) || !s.idMatches(w, r, s.CharacterId) {
		return
	}

	body := map[string]any{
		"name":           s.CharacterName,
		"corporation_id": s.CorporationId,
	}
	if s.AllianceId != 0 {
		body["alliance_id"] = s.AllianceId
	}
	writeJson(w, body)
}

func (s *Server) handleCorporation(w http.ResponseWriter, r *http.Request) {
	s.hit("corporation")
	if !s.authorized(w, r, s.CorporationStatus) || !s.idMatches(w, r, s.CorporationId) {
		return
	}

	body := map[string]any{
		"name":         s.CorporationName,
		"ticker":       "TEST",
		"ceo_id":       s.CeoId,
		"member_count": 42,
	}
	if s.AllianceId != 0 {
		body["alliance_id"] = s.AllianceId
	}
	writeJson(w, body)
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	s.hit("roles")
	if !s.authorized(w, r, s.RolesStatus) || !s.idMatches(w, r, s.CorporationId) {
		return
	}

	writeJson(w, []map[string]any{
		{"character_id": s.CharacterId, "roles": s.Roles},
		{"character_id": s.CharacterId + 1, "roles": []string{"Accountant"}},
	})
}

func (s *Server) handleAlliance(w http.ResponseWriter, r *http.Request) {
	s.hit("alliance")
	if s.AllianceStatus != 0 && s.AllianceStatus != http.StatusOK {
		writeError(w, s.AllianceStatus, "unavailable")
		return
	}
	if !s.idMatches(w, r, s.AllianceId) {
		return
	}

	writeJson(w, map[string]any{"name": s.AllianceName, "ticker": "TEST"})
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request, status int) bool {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return false
	}
	if status != 0 && status != http.StatusOK {
		writeError(w, status, "upstream failure")
		return false
	}
	return true
}

func (s *Server) idMatches(w http.ResponseWriter, r *http.Request, want int64) bool {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id != want {
		writeError(w, http.StatusNotFound, "not found")
		return false
	}
	return true
}

func writeJson(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// NewSigningKey returns a fresh ES256 key for SigningKey.
func NewSigningKey(t testing.TB) jwk.Key {
	t.Helper()

	prefix := "esitest"
	key, err := helpers.GenerateKey(&prefix)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}
