package main

import (
	"net/http"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"

	oauth "github.com/lmeve/esi-auth-golang"
	"github.com/lmeve/esi-auth-golang/session"
)

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type sessionStatus struct {
	Authenticated bool            `json:"authenticated"`
	Loading       bool            `json:"loading"`
	AuthTrigger   int64           `json:"authTrigger"`
	User          *oauth.AuthUser `json:"user,omitempty"`
}

// publicUser strips the tokens before an identity leaves the server.
func publicUser(user *oauth.AuthUser) *oauth.AuthUser {
	if user == nil {
		return nil
	}
	out := *user
	out.AccessToken = ""
	out.RefreshToken = ""
	return &out
}

func (s *Server) handleHealthz(e echo.Context) error {
	return e.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": versioninfo.Short(),
	})
}

func (s *Server) handleHome(e echo.Context) error {
	m, err := s.manager(e)
	if err != nil {
		return err
	}

	user, err := m.User(e.Request().Context())
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, sessionStatus{
		Authenticated: user != nil,
		Loading:       m.IsLoading(),
		AuthTrigger:   m.AuthTrigger(),
		User:          publicUser(user),
	})
}

func (s *Server) handleLoginSubmit(e echo.Context) error {
	var req loginRequest
	if err := e.Bind(&req); err != nil {
		return err
	}

	m, err := s.manager(e)
	if err != nil {
		return err
	}

	ctx := e.Request().Context()
	if err := m.Login(ctx, req.Username, req.Password); err != nil {
		return err
	}

	user, err := m.User(ctx)
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, publicUser(user))
}

func (s *Server) handleLoginESI(e echo.Context) error {
	m, err := s.manager(e)
	if err != nil {
		return err
	}

	u, err := m.LoginWithESI(e.Request().Context())
	if err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, u)
}

func (s *Server) handleCallback(e echo.Context) error {
	m, err := s.manager(e)
	if err != nil {
		return err
	}

	h := session.NewCallbackHandler(m, func(st session.CallbackStatus) {
		s.logger.Debug("sso callback", "phase", st.Phase, "character", st.CharacterName)
	})
	if _, err := h.ProcessCallback(e.Request().Context(), e.QueryParams()); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, homePath)
}

func (s *Server) handleLogout(e echo.Context) error {
	m, err := s.manager(e)
	if err != nil {
		return err
	}

	if err := m.Logout(e.Request().Context()); err != nil {
		return err
	}

	return e.NoContent(http.StatusNoContent)
}

func (s *Server) handleRefresh(e echo.Context) error {
	m, err := s.manager(e)
	if err != nil {
		return err
	}

	ctx := e.Request().Context()
	if err := m.RefreshUserToken(ctx); err != nil {
		return err
	}

	user, err := m.User(ctx)
	if err != nil {
		return err
	}
	if user == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "sign in required")
	}

	return e.JSON(http.StatusOK, publicUser(user))
}

func (s *Server) handleMe(e echo.Context) error {
	return e.JSON(http.StatusOK, publicUser(session.UserFromContext(e)))
}

func (s *Server) handleGetAdminConfig(e echo.Context) error {
	m, err := s.manager(e)
	if err != nil {
		return err
	}

	cfg, err := m.AdminConfig(e.Request().Context())
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, map[string]string{"username": cfg.Username})
}

func (s *Server) handleUpdateAdminConfig(e echo.Context) error {
	var cfg session.AdminConfig
	if err := e.Bind(&cfg); err != nil {
		return err
	}

	m, err := s.manager(e)
	if err != nil {
		return err
	}

	if err := m.UpdateAdminConfig(e.Request().Context(), cfg); err != nil {
		return err
	}

	return e.NoContent(http.StatusNoContent)
}
