package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	echosession "github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"

	oauth "github.com/lmeve/esi-auth-golang"
	"github.com/lmeve/esi-auth-golang/kv"
	"github.com/lmeve/esi-auth-golang/session"
)

const (
	cookieName   = "lmeve_session"
	cookieMaxAge = 86400 * 7
	loginPath    = "/login"
	homePath     = "/"
	registrySize = 4096

	managerContextKey = "lmeve.manager"
)

type ServerArgs struct {
	Store kv.Store
	// Authorizer may be nil, which disables SSO login.
	Authorizer    session.Authorizer
	Logger        *slog.Logger
	SessionSecret []byte
	SecureCookies bool
	PKCETTL       time.Duration
	Now           func() time.Time
}

type Server struct {
	e        *echo.Echo
	registry *session.Registry
	logger   *slog.Logger
	secure   bool
}

func NewServer(args ServerArgs) (*Server, error) {
	if len(args.SessionSecret) == 0 {
		return nil, fmt.Errorf("no session secret provided")
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	registry, err := session.NewRegistry(session.Options{
		Store:      args.Store,
		Authorizer: args.Authorizer,
		Logger:     args.Logger,
		Now:        args.Now,
		PKCETTL:    args.PKCETTL,
	}, registrySize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		e:        echo.New(),
		registry: registry,
		logger:   args.Logger.With("component", "http"),
		secure:   args.SecureCookies,
	}

	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = s.handleError

	s.e.Use(slogecho.New(args.Logger))
	s.e.Use(echosession.Middleware(sessions.NewCookieStore(args.SessionSecret)))

	guard := session.GuardConfig{
		Manager:      s.manager,
		LoginPath:    loginPath,
		RefreshStale: true,
	}
	adminGuard := guard
	adminGuard.Require = session.RequireAdmin

	s.e.GET("/healthz", s.handleHealthz)

	g := s.e.Group("", s.bindSession)
	g.GET("/", s.handleHome)
	g.POST("/login", s.handleLoginSubmit)
	g.GET("/login/esi", s.handleLoginESI)
	g.GET("/callback", s.handleCallback)
	g.POST("/logout", s.handleLogout)
	g.POST("/refresh", s.handleRefresh)

	g.GET("/me", s.handleMe, session.Guard(guard))

	admin := g.Group("/admin", session.Guard(adminGuard))
	admin.GET("/config", s.handleGetAdminConfig)
	admin.PUT("/config", s.handleUpdateAdminConfig)

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// bindSession ties the browser to its session namespace, issuing a cookie on
// first contact, and pins that namespace's manager for the request.
func (s *Server) bindSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(e echo.Context) error {
		sess, err := echosession.Get(cookieName, e)
		if sess == nil {
			return err
		}
		if err != nil {
			// cookie signed with another secret, start over
			s.logger.Debug("discarding session cookie", "error", err)
		}

		sid, _ := sess.Values["sid"].(string)
		if sid == "" {
			sid = uuid.NewString()

			sess.Options = &sessions.Options{
				Path:     "/",
				MaxAge:   cookieMaxAge,
				HttpOnly: true,
				Secure:   s.secure,
				SameSite: http.SameSiteLaxMode,
			}

			// make sure the session is empty
			sess.Values = map[interface{}]interface{}{}
			sess.Values["sid"] = sid

			if err := sess.Save(e.Request(), e.Response()); err != nil {
				return err
			}
		}

		m, release, err := s.registry.Acquire(e.Request().Context(), sid)
		if err != nil {
			return err
		}
		defer release()

		e.Set(managerContextKey, m)
		return next(e)
	}
}

func (s *Server) manager(e echo.Context) (*session.Manager, error) {
	m, ok := e.Get(managerContextKey).(*session.Manager)
	if !ok {
		return nil, fmt.Errorf("no session bound to request")
	}
	return m, nil
}

// errorStatus maps error kinds onto a status code and a stable error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, oauth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, oauth.ErrOAuthDenied):
		return http.StatusForbidden, "access_denied"
	case errors.Is(err, oauth.ErrStateMismatch):
		return http.StatusBadRequest, "state_mismatch"
	case errors.Is(err, oauth.ErrOAuthMalformedCallback):
		return http.StatusBadRequest, "malformed_callback"
	case errors.Is(err, oauth.ErrTokenRefresh):
		return http.StatusUnauthorized, "refresh_failed"
	case errors.Is(err, oauth.ErrTokenExchange):
		return http.StatusBadGateway, "token_exchange_failed"
	case errors.Is(err, oauth.ErrTokenVerification):
		return http.StatusBadGateway, "token_verification_failed"
	case errors.Is(err, oauth.ErrIdentityLookup):
		return http.StatusBadGateway, "identity_lookup_failed"
	case errors.Is(err, session.ErrSSONotConfigured):
		return http.StatusServiceUnavailable, "sso_disabled"
	case errors.Is(err, session.ErrEmptyAdminConfig):
		return http.StatusBadRequest, "invalid_admin_config"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) handleError(err error, e echo.Context) {
	if e.Response().Committed {
		return
	}

	// request logging wraps plain handler errors in a 500 HTTPError carrying
	// the original in Internal
	var he *echo.HTTPError
	for errors.As(err, &he) {
		if he.Internal == nil || he.Code != http.StatusInternalServerError {
			s.e.DefaultHTTPErrorHandler(he, e)
			return
		}
		err = he.Internal
	}

	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", e.Path(), "error", err)
		msg = http.StatusText(status)
	}

	if err := e.JSON(status, map[string]string{"error": code, "message": msg}); err != nil {
		s.logger.Error("could not write error response", "error", err)
	}
}
