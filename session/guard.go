package session

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	oauth "github.com/lmeve/esi-auth-golang"
)

type Decision int

const (
	Deny Decision = iota
	DenyWithLogin
	Allow
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyWithLogin:
		return "deny-with-login"
	default:
		return "deny"
	}
}

// Decide is the route guard policy: an identity is required, and a denial
// offers the login action when one exists.
func Decide(user *oauth.AuthUser, hasLoginAction bool) Decision {
	if user != nil {
		return Allow
	}
	if hasLoginAction {
		return DenyWithLogin
	}
	return Deny
}

const userContextKey = "lmeve.user"

type GuardConfig struct {
	// Manager resolves the session of the request.
	Manager func(c echo.Context) (*Manager, error)
	// LoginPath is the sign-in affordance. Empty means none.
	LoginPath string
	// RefreshStale refreshes tokens inside the expiry buffer before deciding.
	RefreshStale bool
	// Require narrows access further, e.g. to admins. Nil allows any identity.
	Require func(user *oauth.AuthUser) bool
}

// Guard wraps protected routes. Allowed requests find the identity through
// UserFromContext.
func Guard(cfg GuardConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			m, err := cfg.Manager(c)
			if err != nil {
				return err
			}

			if cfg.RefreshStale && m.IsTokenExpired(ctx) {
				// a failed refresh logs the session out, which the decision below reflects
				_ = m.RefreshUserToken(ctx)
			}

			user, err := m.User(ctx)
			if err != nil {
				return err
			}
			if user != nil && !user.IsAdmin && !m.now().Before(user.Expiry()) {
				// refresh was off or could not persist a new token
				m.logger.Warn("denying expired sso token", "characterId", user.CharacterId)
				user = nil
			}

			switch Decide(user, cfg.LoginPath != "") {
			case Allow:
				if cfg.Require != nil && !cfg.Require(user) {
					return c.JSON(http.StatusForbidden, map[string]string{"error": "insufficient privileges"})
				}
				c.Set(userContextKey, user)
				return next(c)
			case DenyWithLogin:
				if c.Request().Method == http.MethodGet && strings.Contains(c.Request().Header.Get(echo.HeaderAccept), echo.MIMETextHTML) {
					return c.Redirect(http.StatusFound, cfg.LoginPath)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "sign in required",
					"login": cfg.LoginPath,
				})
			default:
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "sign in required"})
			}
		}
	}
}

// UserFromContext returns the identity a Guard admitted.
func UserFromContext(c echo.Context) *oauth.AuthUser {
	user, _ := c.Get(userContextKey).(*oauth.AuthUser)
	return user
}

// RequireAdmin admits local administrators, CEOs and directors.
func RequireAdmin(user *oauth.AuthUser) bool {
	return user.IsAdmin || user.IsCeo || user.IsDirector
}
