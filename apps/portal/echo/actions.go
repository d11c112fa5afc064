package echoportal

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/mutation"
	"github.com/trezcool/masomo-portal/core/resource"
	"github.com/trezcool/masomo-portal/core/user"
)

const msgSomethingWrong = "Something went wrong, please try again."

// formDecoder decodes the request payload (JSON or an HTML form) into resource forms.
// Blank form inputs are dropped.
func formDecoder(ctx echo.Context) (resource.Decoder, error) {
	req := ctx.Request()
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading body")
		}
		return resource.JSONDecoder(data), nil
	}

	values, err := ctx.FormParams()
	if err != nil {
		return nil, errors.Wrap(err, "parsing form")
	}
	fields := make(map[string]interface{}, len(values))
	for k, vs := range values {
		if len(vs) == 0 {
			continue
		}
		if v := strings.TrimSpace(vs[len(vs)-1]); v != "" {
			fields[k] = v
		}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encoding form")
	}
	return resource.JSONDecoder(data), nil
}

func singular(kind resource.Kind) string {
	title := kind.Title()
	switch {
	case strings.HasSuffix(title, "ies"):
		return strings.TrimSuffix(title, "ies") + "y"
	case strings.HasSuffix(title, "s"):
		return strings.TrimSuffix(title, "s")
	}
	return title
}

// failAction flashes the outcome of a failed mutation then sends the user back.
func (s *Server) failAction(ctx echo.Context, dev *device, err error, back string) error {
	if core.IsUnauthorized(err) {
		if pErr := dev.session.Purge(ctx.Request().Context()); pErr != nil {
			s.deps.Logger.Warn("purging rejected credential", pErr)
		}
		return ctx.Redirect(http.StatusSeeOther, s.deps.Conf.Portal.LoginPath)
	}

	if flds := core.FieldErrors(err, s.deps.Translator); len(flds) > 0 {
		names := make([]string, 0, len(flds))
		for name := range flds {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			addFlash(ctx, flashError, name+": "+flds[name])
		}
		return ctx.Redirect(http.StatusSeeOther, back)
	}
	if vErr, ok := errors.Cause(err).(*core.ValidationError); ok {
		addFlash(ctx, flashError, vErr.Error())
		return ctx.Redirect(http.StatusSeeOther, back)
	}

	if _, expected := core.AsAPIError(err); !expected && errors.Cause(err) != resource.ErrReadOnly {
		s.deps.Logger.Error("mutation failed", err)
	}
	msg := mutation.Message(err, msgSomethingWrong)
	if errors.Cause(err) == resource.ErrReadOnly {
		msg = "This resource is read-only."
	}
	addFlash(ctx, flashError, msg)
	return ctx.Redirect(http.StatusSeeOther, back)
}

func (s *Server) writable(ctx echo.Context) (target, bool, error) {
	t, err := s.resolve(ctx, true)
	if err != nil {
		return t, false, err
	}
	if _, ok, err := s.authorize(ctx, t.dev, t.role); !ok {
		return t, false, err
	}
	if !t.access.canWrite(t.kind) {
		return t, false, errHttpForbidden
	}
	return t, true, nil
}

func (s *Server) create(ctx echo.Context) error {
	t, ok, err := s.writable(ctx)
	if !ok {
		return err
	}
	decode, err := formDecoder(ctx)
	if err != nil {
		return s.failAction(ctx, t.dev, core.NewValidationError(errors.New("invalid form")), t.base())
	}

	rec, err := t.acc.Create(ctx.Request().Context(), decode)
	if err != nil {
		return s.failAction(ctx, t.dev, err, t.base())
	}
	addFlash(ctx, flashNotice, fmt.Sprintf("%s created.", singular(t.kind)))
	if id := rec.ID(); id != "" {
		return ctx.Redirect(http.StatusSeeOther, t.base()+"/"+id)
	}
	return ctx.Redirect(http.StatusSeeOther, t.base())
}

func (s *Server) update(ctx echo.Context) error {
	t, ok, err := s.writable(ctx)
	if !ok {
		return err
	}
	back := t.base() + "/" + ctx.Param("id")
	decode, err := formDecoder(ctx)
	if err != nil {
		return s.failAction(ctx, t.dev, core.NewValidationError(errors.New("invalid form")), back)
	}

	if _, err = t.acc.Update(ctx.Request().Context(), ctx.Param("id"), decode); err != nil {
		return s.failAction(ctx, t.dev, err, back)
	}
	addFlash(ctx, flashNotice, fmt.Sprintf("%s updated.", singular(t.kind)))
	return ctx.Redirect(http.StatusSeeOther, back)
}

func (s *Server) destroy(ctx echo.Context) error {
	t, ok, err := s.writable(ctx)
	if !ok {
		return err
	}
	if err = t.acc.Delete(ctx.Request().Context(), ctx.Param("id")); err != nil {
		return s.failAction(ctx, t.dev, err, t.base()+"/"+ctx.Param("id"))
	}
	addFlash(ctx, flashNotice, fmt.Sprintf("%s deleted.", singular(t.kind)))
	return ctx.Redirect(http.StatusSeeOther, t.base())
}

// updateProfile saves the user's own profile remotely, then merges it into the session.
func (s *Server) updateProfile(ctx echo.Context) error {
	t, err := s.resolve(ctx, false)
	if err != nil {
		return err
	}
	snap, ok, err := s.authorize(ctx, t.dev, t.role)
	if !ok {
		return err
	}
	back := t.role.LandingPath() + "/profile"

	decode, err := formDecoder(ctx)
	if err != nil {
		return s.failAction(ctx, t.dev, core.NewValidationError(errors.New("invalid form")), back)
	}
	var pu user.ProfileUpdate
	if err = decode(&pu); err != nil {
		return s.failAction(ctx, t.dev, core.NewValidationError(errors.New("invalid form")), back)
	}
	if pu.IsEmpty() {
		addFlash(ctx, flashNotice, "Nothing to update.")
		return ctx.Redirect(http.StatusSeeOther, back)
	}
	if err = pu.Validate(s.deps.Validate); err != nil {
		return s.failAction(ctx, t.dev, err, back)
	}

	reqCtx := ctx.Request().Context()
	_, err = t.dev.resources.Users.Update(reqCtx, snap.Profile.ID, &user.UpdateUser{
		Name:     pu.Name,
		Username: pu.Username,
		Email:    pu.Email,
	})
	if err != nil {
		return s.failAction(ctx, t.dev, err, back)
	}
	if _, err = t.dev.session.UpdateUserProfile(reqCtx, pu); err != nil {
		s.deps.Logger.Warn("merging profile update", err)
	}
	addFlash(ctx, flashNotice, "Profile updated.")
	return ctx.Redirect(http.StatusSeeOther, back)
}
