package echoportal

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core/resource"
	"github.com/trezcool/masomo-portal/core/session"
	"github.com/trezcool/masomo-portal/core/user"
)

const defaultPageLimit = 10

type (
	pageData struct {
		Title      string
		Profile    *user.Profile
		Role       user.Role
		Kinds      []resource.Kind
		Notices    []string
		Errors     []string
		Refresh    int
		LogoutPath string
		Data       interface{}
	}

	listData struct {
		Kind        resource.Kind
		Base        string
		Params      resource.ListParams
		Items       []resource.Record
		Fields      []string
		Page        int
		Limit       int
		Total       int
		TotalPages  int
		HasPrev     bool
		HasNext     bool
		Placeholder bool
		Writable    bool
		FormFields  []string
	}

	detailData struct {
		Kind     resource.Kind
		Base     string
		Record   resource.Record
		Fields   []string
		Writable bool
	}

	errorData struct {
		Code    int
		Message string
	}
)

func (s *Server) render(ctx echo.Context, code int, name, title string, snap *session.Snapshot, data interface{}) error {
	pd := pageData{
		Title:      title,
		LogoutPath: s.deps.Conf.Portal.LogoutPath,
		Data:       data,
		Notices:    popFlashes(ctx, flashNotice),
		Errors:     popFlashes(ctx, flashError),
	}
	if snap != nil && snap.Profile != nil {
		pd.Profile = snap.Profile
		pd.Role = snap.Profile.Role
		pd.Kinds = routeTable[pd.Role].kinds
	}
	if ld, ok := data.(listData); name == pageLoading || (ok && ld.Placeholder) {
		pd.Refresh = 1
	}
	return ctx.Render(code, name, pd)
}

// authorize runs the route guard for the current page. When it returns false, the response
// (a redirect or the loading page) has been written.
func (s *Server) authorize(ctx echo.Context, dev *device, roles ...user.Role) (session.Snapshot, bool, error) {
	conf := s.deps.Conf
	req := ctx.Request()
	sess := dev.session

	sess.Hydrate(req.Context(), req.URL.Path)
	if conf.Portal.ProfileWait > 0 {
		wctx, cancel := context.WithTimeout(req.Context(), conf.Portal.ProfileWait)
		_ = sess.Wait(wctx)
		cancel()
	}

	guard := session.Guard{
		LoginPath:    conf.Portal.LoginPath,
		AllowedRoles: roles,
		Grace:        conf.Session.GuardGrace,
	}
	d := guard.Check(req.Context(), sess)
	snap := sess.Snapshot()
	if d.Action == session.ActionRender && snap.Profile == nil {
		d = session.Decision{Action: session.ActionLoading}
	}

	switch d.Action {
	case session.ActionRedirect:
		return snap, false, ctx.Redirect(http.StatusFound, d.Location)
	case session.ActionLoading:
		return snap, false, s.render(ctx, http.StatusOK, pageLoading, "Loading", nil, nil)
	}
	return snap, true, nil
}

type target struct {
	dev    *device
	role   user.Role
	access access
	kind   resource.Kind
	acc    resource.Accessor
}

func (t target) base() string { return t.role.LandingPath() + "/" + t.kind.String() }

// resolve maps the :role and :resource params to the device's accessor.
func (s *Server) resolve(ctx echo.Context, withKind bool) (target, error) {
	dev, err := getDevice(ctx)
	if err != nil {
		return target{}, err
	}
	role, ok := roleFromPath(ctx.Param("role"))
	if !ok {
		return target{}, errHttpNotFound
	}
	t := target{dev: dev, role: role, access: routeTable[role]}
	if !withKind {
		return t, nil
	}

	kind, ok := resource.ParseKind(ctx.Param("resource"))
	if !ok || !t.access.allows(kind) {
		return target{}, errHttpNotFound
	}
	acc, ok := dev.resources.Lookup(kind)
	if !ok {
		return target{}, errHttpNotFound
	}
	t.kind, t.acc = kind, acc
	return t, nil
}

// Handlers

func (s *Server) home(ctx echo.Context) error {
	dev, err := getDevice(ctx)
	if err != nil {
		return err
	}
	snap, ok, err := s.authorize(ctx, dev)
	if !ok {
		return err
	}
	return ctx.Redirect(http.StatusFound, snap.Role().LandingPath())
}

func (s *Server) dashboard(ctx echo.Context) error {
	t, err := s.resolve(ctx, false)
	if err != nil {
		return err
	}
	snap, ok, err := s.authorize(ctx, t.dev, t.role)
	if !ok {
		return err
	}
	return s.render(ctx, http.StatusOK, pageDashboard, "Dashboard", &snap, nil)
}

func listParams(ctx echo.Context) resource.ListParams {
	params := resource.ListParams{Page: 1, Limit: defaultPageLimit, Search: ctx.QueryParam("search")}
	if page, err := strconv.Atoi(ctx.QueryParam("page")); err == nil && page > 0 {
		params.Page = page
	}
	if limit, err := strconv.Atoi(ctx.QueryParam("limit")); err == nil && limit > 0 && limit <= 100 {
		params.Limit = limit
	}
	return params
}

func (s *Server) list(ctx echo.Context) error {
	t, err := s.resolve(ctx, true)
	if err != nil {
		return err
	}
	snap, ok, err := s.authorize(ctx, t.dev, t.role)
	if !ok {
		return err
	}

	params := listParams(ctx)
	rctx, cancel := s.pageContext(ctx)
	defer cancel()
	res := t.acc.List(rctx, params)
	if !res.HasData() {
		if errors.Is(res.Err, context.DeadlineExceeded) {
			return s.render(ctx, http.StatusOK, pageLoading, t.kind.Title(), &snap, nil)
		}
		return errors.Wrapf(res.Err, "listing %s", t.kind)
	}

	page := res.Data
	data := listData{
		Kind:        t.kind,
		Base:        t.base(),
		Params:      params,
		Items:       page.Items,
		Fields:      recordFields(page.Items...),
		Page:        page.Page,
		Limit:       page.Limit,
		Total:       page.Total,
		TotalPages:  page.TotalPages,
		HasPrev:     page.HasPrev(),
		HasNext:     page.HasNext(),
		Placeholder: res.IsPlaceholder,
		Writable:    t.access.canWrite(t.kind),
		FormFields:  formFields[t.kind],
	}
	if data.Limit == 0 {
		data.Limit = params.Limit
	}
	if res.IsPlaceholder {
		// the previous page is shown while the requested one loads
		data.Page = params.Page
	}
	return s.render(ctx, http.StatusOK, pageList, t.kind.Title(), &snap, data)
}

func (s *Server) detail(ctx echo.Context) error {
	t, err := s.resolve(ctx, true)
	if err != nil {
		return err
	}
	snap, ok, err := s.authorize(ctx, t.dev, t.role)
	if !ok {
		return err
	}

	rctx, cancel := s.pageContext(ctx)
	defer cancel()
	res := t.acc.Get(rctx, ctx.Param("id"))
	if !res.HasData() {
		if errors.Is(res.Err, context.DeadlineExceeded) {
			return s.render(ctx, http.StatusOK, pageLoading, t.kind.Title(), &snap, nil)
		}
		return errors.Wrapf(res.Err, "getting %s", t.kind)
	}

	data := detailData{
		Kind:     t.kind,
		Base:     t.base(),
		Record:   res.Data,
		Fields:   recordFields(res.Data),
		Writable: t.access.canWrite(t.kind),
	}
	return s.render(ctx, http.StatusOK, pageDetail, t.kind.Title(), &snap, data)
}

func (s *Server) profile(ctx echo.Context) error {
	t, err := s.resolve(ctx, false)
	if err != nil {
		return err
	}
	snap, ok, err := s.authorize(ctx, t.dev, t.role)
	if !ok {
		return err
	}
	return s.render(ctx, http.StatusOK, pageProfile, "My profile", &snap, nil)
}

// pageContext bounds how long a page waits for the API before showing what the cache has.
func (s *Server) pageContext(ctx echo.Context) (context.Context, context.CancelFunc) {
	if wait := s.deps.Conf.Portal.PageWait; wait > 0 {
		return context.WithTimeout(ctx.Request().Context(), wait)
	}
	return context.WithCancel(ctx.Request().Context())
}
