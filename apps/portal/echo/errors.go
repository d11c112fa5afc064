package echoportal

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core"
)

var (
	errHttpForbidden = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound  = echo.NewHTTPError(http.StatusNotFound, "not found")
)

func wantsJSON(ctx echo.Context) bool {
	req := ctx.Request()
	return strings.Contains(req.Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON) ||
		strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func (s *Server) newAppHTTPErrorHandler(signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors, *core.ValidationError:
			code = http.StatusBadRequest
			if flds := core.FieldErrors(origErr, s.deps.Translator); flds != nil {
				message = flds
			} else {
				message = origErr.Error()
			}
		case *core.APIError:
			code = origErr.Status
			message = origErr.Message
			if message == "" {
				message = http.StatusText(code)
			}
			if code == http.StatusUnauthorized && !ctx.Response().Committed {
				// the API rejected the stored credential
				if dev, dErr := getDevice(ctx); dErr == nil {
					if pErr := dev.session.Purge(ctx.Request().Context()); pErr != nil {
						s.deps.Logger.Warn("purging rejected credential", pErr)
					}
					if !wantsJSON(ctx) {
						if rErr := ctx.Redirect(http.StatusFound, s.deps.Conf.Portal.LoginPath); rErr != nil {
							ctx.Echo().Logger.Error(rErr)
						}
						return
					}
				}
			}
		case *core.TransportError:
			code = http.StatusBadGateway
			message = "the API is unreachable, please try again later"
			s.deps.Logger.Warn("API unreachable", err)
		default: // any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			message = msg

			var args []interface{}
			args = append(args, errors.Wrap(err, msg))
			if dev, dErr := getDevice(ctx); dErr == nil {
				if snap := dev.session.Snapshot(); snap.Profile != nil {
					args = append(args, *snap.Profile)
				}
			}
			s.deps.Logger.Error(msg, args...)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		}

		// Send response
		if ctx.Response().Committed {
			return
		}
		switch {
		case ctx.Request().Method == http.MethodHead: // Issue #608
			err = ctx.NoContent(code)
		case wantsJSON(ctx):
			if m, ok := message.(string); ok {
				message = echo.Map{"error": m}
			}
			err = ctx.JSON(code, message)
		default:
			text, ok := message.(string)
			if !ok {
				text = http.StatusText(code)
			}
			err = s.render(ctx, code, pageError, http.StatusText(code), nil, errorData{Code: code, Message: text})
		}
		if err != nil {
			ctx.Echo().Logger.Error(err)
		}
	}
}
