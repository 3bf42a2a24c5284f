package session

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/google/uuid"

	oauth "github.com/lmeve/esi-auth-golang"
)

const (
	LocalAdminName            = "Local Administrator"
	LocalAdminCorporationName = "LMeve Local"
	localAdminTTL             = 24 * time.Hour
)

// AdminConfig is the local administrator credential pair.
type AdminConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func DefaultAdminConfig() AdminConfig {
	return AdminConfig{Username: "admin", Password: "12345"}
}

// ValidateLocalCredentials returns an administrator identity when the trimmed
// username and password equal cfg, and nil otherwise. It never touches the
// network.
func ValidateLocalCredentials(username, password string, cfg AdminConfig, now time.Time) *oauth.AuthUser {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil
	}

	wantUser := strings.TrimSpace(cfg.Username)
	wantPass := strings.TrimSpace(cfg.Password)
	if wantUser == "" || wantPass == "" {
		return nil
	}

	userOk := subtle.ConstantTimeCompare([]byte(username), []byte(wantUser)) == 1
	passOk := subtle.ConstantTimeCompare([]byte(password), []byte(wantPass)) == 1
	if !userOk || !passOk {
		return nil
	}

	return &oauth.AuthUser{
		CharacterId:     oauth.LocalAdminCharacterID,
		CharacterName:   LocalAdminName,
		CorporationId:   oauth.LocalAdminCharacterID,
		CorporationName: LocalAdminCorporationName,
		AccessToken:     "local-" + uuid.NewString(),
		RefreshToken:    "local-" + uuid.NewString(),
		TokenExpiry:     now.Add(localAdminTTL).UnixMilli(),
		Scopes:          append([]string(nil), oauth.DefaultScopes...),
		IsDirector:      true,
		IsCeo:           true,
		IsAdmin:         true,
	}
}
