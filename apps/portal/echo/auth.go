package echoportal

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/mutation"
	"github.com/trezcool/masomo-portal/core/user"
)

type loginData struct {
	Action string
	Email  string
	Fields map[string]string
}

func (s *Server) loginPage(ctx echo.Context) error {
	data := loginData{Action: s.deps.Conf.Portal.LoginPath, Fields: map[string]string{}}
	return s.render(ctx, http.StatusOK, pageLogin, "Sign in", nil, data)
}

func (s *Server) login(ctx echo.Context) error {
	dev, err := getDevice(ctx)
	if err != nil {
		return err
	}
	data := loginData{Action: s.deps.Conf.Portal.LoginPath, Fields: map[string]string{}}

	var creds user.Credentials
	decode, err := formDecoder(ctx)
	if err == nil {
		err = decode(&creds)
	}
	if err == nil {
		err = creds.Validate(s.deps.Validate)
	}
	data.Email = creds.Email
	if err != nil {
		if flds := core.FieldErrors(err, s.deps.Translator); flds != nil {
			data.Fields = flds
		} else {
			addFlash(ctx, flashError, "Invalid sign-in form.")
		}
		return s.render(ctx, http.StatusBadRequest, pageLogin, "Sign in", nil, data)
	}

	res, err := s.deps.API.Login(ctx.Request().Context(), creds)
	if err != nil {
		code := http.StatusServiceUnavailable
		if apiErr, ok := core.AsAPIError(err); ok {
			code = apiErr.Status
		} else {
			s.deps.Logger.Error("signing in", err)
		}
		addFlash(ctx, flashError, mutation.Message(err, "Sign-in failed, please try again."))
		return s.render(ctx, code, pageLogin, "Sign in", nil, data)
	}

	if err = dev.session.Login(ctx.Request().Context(), res.User, res.Credential()); err != nil {
		s.deps.Logger.Warn("storing credential", err, res.User)
	}
	landing := s.deps.Conf.Portal.LandingPath
	if res.User.Role.Valid() {
		landing = res.User.Role.LandingPath()
	}
	return ctx.Redirect(http.StatusSeeOther, landing)
}

func (s *Server) logout(ctx echo.Context) error {
	dev, err := getDevice(ctx)
	if err != nil {
		return err
	}
	reqCtx := ctx.Request().Context()
	_ = dev.session.Logout(reqCtx)
	s.dropStorage(reqCtx, dev.id)
	addFlash(ctx, flashNotice, "You have been signed out.")
	return ctx.Redirect(http.StatusSeeOther, s.deps.Conf.Portal.LoginPath)
}
