package oauth

import (
	"fmt"
	"net"
	"net/url"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	DefaultAuthorizeUrl = "https://login.eveonline.com/v2/oauth/authorize"
	DefaultTokenUrl     = "https://login.eveonline.com/v2/oauth/token"
	DefaultVerifyUrl    = "https://login.eveonline.com/oauth/verify"
	DefaultJwksUrl      = "https://login.eveonline.com/oauth/jwks"
	DefaultEsiUrl       = "https://esi.evetech.net/latest"

	DirectorRole = "Director"
)

// DefaultScopes is the ESI scope set LMeve asks for. Local administrators are
// granted all of them.
var DefaultScopes = []string{
	"publicData",
	"esi-characters.read_corporation_roles.v1",
	"esi-corporations.read_corporation_membership.v1",
	"esi-corporations.read_structures.v1",
	"esi-assets.read_corporation_assets.v1",
	"esi-industry.read_corporation_jobs.v1",
	"esi-industry.read_corporation_mining.v1",
	"esi-killmails.read_corporation_killmails.v1",
	"esi-markets.read_corporation_orders.v1",
	"esi-wallet.read_corporation_wallets.v1",
	"esi-contracts.read_corporation_contracts.v1",
}

// isSafeAndParsed accepts https urls, and plain http only for loopback hosts.
func isSafeAndParsed(ustr string) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, err
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url hostname was empty")
	}

	if u.User != nil {
		return nil, fmt.Errorf("url user was not empty")
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopback(u.Hostname()) {
			return nil, fmt.Errorf("input url is not https")
		}
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	return u, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func tokenInSet(tok string, set []string) bool {
	for _, s := range set {
		if s == tok {
			return true
		}
	}
	return false
}

type JwksResponseObject struct {
	Keys []jwk.Key `json:"keys"`
}

// CreateJwksResponseObject wraps the public half of key in a JWKS document.
func CreateJwksResponseObject(key jwk.Key) (*JwksResponseObject, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}
	return &JwksResponseObject{
		Keys: []jwk.Key{pub},
	}, nil
}

func ParseJWKFromBytes(b []byte) (jwk.Key, error) {
	return jwk.ParseKey(b)
}
