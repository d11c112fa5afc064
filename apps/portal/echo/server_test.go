package echoportal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/resource"
	"github.com/trezcool/masomo-portal/core/user"
	apisvc "github.com/trezcool/masomo-portal/services/api"
	inmemdb "github.com/trezcool/masomo-portal/storage/database/inmem"
	testutil "github.com/trezcool/masomo-portal/tests"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

func newTestConfig(apiURL string) *core.Config {
	return &core.Config{
		Env:      "TEST",
		Build:    "test",
		TestMode: true,
		API:      core.APIConfig{BaseURL: apiURL, Timeout: 5 * time.Second},
		Portal: core.PortalConfig{
			LoginPath:      "/auth/login",
			LogoutPath:     "/auth/logout",
			LandingPath:    "/",
			PublicPaths:    []string{"/auth/login", "/auth/register", "/auth/forgot-password"},
			APIPrefix:      "/api",
			StaticPrefixes: []string{"/static/", "/healthz", "/metrics"},
			AllowOrigin:    "*",
			CookieName:     "token",
			CookieMaxAge:   time.Hour,
			CookieSecret:   "a-test-cookie-secret-of-32-bytes",
			TokenKey:       "token",
			ProfileKey:     "userProfile",
			DeviceCookie:   "portal_device",
			DeviceIdleTTL:  time.Minute,
			ProfileWait:    2 * time.Second,
			PageWait:       2 * time.Second,
		},
		Session: core.SessionConfig{Trust: core.TrustCached, GuardGrace: 50 * time.Millisecond},
		Query:   core.QueryConfig{StaleTime: time.Minute, GCTime: 5 * time.Minute},
		Storage: core.StorageConfig{Driver: core.StorageMemory},
	}
}

func setup(t *testing.T) (*Server, *testutil.FakeAPI) {
	api := testutil.NewFakeAPI(t)
	conf := newTestConfig(api.URL)

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	srv, err := NewServer(ServerDeps{
		Conf:       conf,
		Logger:     nopLogger{},
		Storage:    inmemdb.Open(),
		API:        apisvc.NewClient(conf.API.BaseURL, nil, conf.API.Timeout),
		Validate:   validate,
		Translator: translator,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, api
}

var (
	admin   = user.Profile{ID: "u1", Name: "Ada Admin", Email: "ada@example.com", Role: user.RoleAdmin}
	student = user.Profile{ID: "u2", Name: "Sam Student", Email: "sam@example.com", Role: user.RoleStudent}
)

const password = "s3cret-pass"

// browser replays the cookies the portal sets, like a real one would.
type browser struct {
	t       *testing.T
	srv     *Server
	cookies map[string]*http.Cookie
}

func newBrowser(t *testing.T, srv *Server) *browser {
	return &browser{t: t, srv: srv, cookies: make(map[string]*http.Cookie)}
}

func (b *browser) send(req *http.Request) *httptest.ResponseRecorder {
	for _, ck := range b.cookies {
		req.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}
	rec := httptest.NewRecorder()
	b.srv.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 || ck.Value == "" {
			delete(b.cookies, ck.Name)
			continue
		}
		b.cookies[ck.Name] = ck
	}
	return rec
}

func (b *browser) get(path string) *httptest.ResponseRecorder {
	return b.send(httptest.NewRequest(http.MethodGet, path, nil))
}

func (b *browser) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	return b.send(req)
}

// follow GETs the location of a redirect.
func (b *browser) follow(rec *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	b.t.Helper()
	loc := rec.Header().Get(echo.HeaderLocation)
	require.NotEmpty(b.t, loc, "not a redirect: %d %s", rec.Code, rec.Body.String())
	return b.get(loc)
}

func onlyDevice(t *testing.T, srv *Server) *device {
	t.Helper()
	srv.devices.mutex.Lock()
	defer srv.devices.mutex.Unlock()
	require.Len(t, srv.devices.m, 1)
	for _, dev := range srv.devices.m {
		return dev
	}
	return nil
}

func (b *browser) login(p user.Profile) {
	b.t.Helper()
	rec := b.post("/auth/login", url.Values{"email": {p.Email}, "password": {password}})
	require.Equal(b.t, http.StatusSeeOther, rec.Code, rec.Body.String())
	require.Equal(b.t, p.Role.LandingPath(), rec.Header().Get(echo.HeaderLocation))
}

func TestServer_Login(t *testing.T) {
	srv, api := setup(t)
	api.AddUser(t, admin, password)
	b := newBrowser(t, srv)

	rec := b.get("/admin")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get(echo.HeaderLocation))

	rec = b.get("/auth/login")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sign in")

	tests := []struct {
		name     string
		form     url.Values
		wantCode int
		wantBody string
	}{
		{"missing password", url.Values{"email": {admin.Email}}, http.StatusBadRequest, "<small>"},
		{"invalid email", url.Values{"email": {"ada"}, "password": {password}}, http.StatusBadRequest, "<small>"},
		{"wrong password", url.Values{"email": {admin.Email}, "password": {"nope"}}, http.StatusUnauthorized, "invalid email or password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := b.post("/auth/login", tt.form)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			assert.NotContains(t, b.cookies, "token")
		})
	}

	b.login(admin)
	require.Contains(t, b.cookies, "token")
	assert.Contains(t, b.cookies, "portal_device")
	assert.True(t, b.cookies["token"].HttpOnly)

	rec = b.get("/admin")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Admin dashboard")
	assert.Contains(t, rec.Body.String(), "Welcome, Ada Admin.")
	assert.Equal(t, 1, api.Hits(http.MethodGet, "/auth/profile"))

	// a signed-in user never sees the login page
	rec = b.get("/auth/login")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get(echo.HeaderLocation))

	rec = b.follow(rec)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/admin", rec.Header().Get(echo.HeaderLocation))
}

func TestServer_Logout(t *testing.T) {
	srv, api := setup(t)
	api.AddUser(t, student, password)
	b := newBrowser(t, srv)
	b.login(student)

	db := srv.deps.Storage.(*inmemdb.DB)
	dev := onlyDevice(t, srv)
	require.NoError(t, dev.storage.Set(context.Background(), "lastVisited", "/student/events"))
	require.NotEmpty(t, db.Keys(devicePrefix(dev.id)))

	rec := b.post("/auth/logout", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get(echo.HeaderLocation))
	assert.NotContains(t, b.cookies, "token")
	assert.Empty(t, db.Keys(devicePrefix(dev.id)))

	rec = b.follow(rec)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "You have been signed out.")

	rec = b.get("/student")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get(echo.HeaderLocation))
}

func TestServer_Guard(t *testing.T) {
	srv, api := setup(t)
	api.AddUser(t, student, password)
	api.Seed(resource.Events, resource.Record{"id": "e1", "title": "Orientation"})
	b := newBrowser(t, srv)
	b.login(student)

	tests := []struct {
		name         string
		path         string
		wantCode     int
		wantLocation string
		wantBody     string
	}{
		{"own dashboard", "/student", http.StatusOK, "", "Student dashboard"},
		{"own resource", "/student/events", http.StatusOK, "", "Orientation"},
		{"own profile", "/student/profile", http.StatusOK, "", "sam@example.com"},
		{"other role dashboard", "/admin", http.StatusFound, "/student", ""},
		{"other role resource", "/coordinator/events", http.StatusFound, "/student", ""},
		{"resource outside the role", "/student/users", http.StatusNotFound, "", "not found"},
		{"unknown role", "/teacher", http.StatusNotFound, "", "not found"},
		{"home", "/", http.StatusFound, "/student", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := b.get(tt.path)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantLocation, rec.Header().Get(echo.HeaderLocation))
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestServer_GuardProfileWithoutPortalRole(t *testing.T) {
	srv, api := setup(t)
	teacher := user.Profile{ID: "u3", Name: "Tia Teacher", Email: "tia@example.com", Role: user.Role("teacher")}
	api.AddUser(t, teacher, password)
	b := newBrowser(t, srv)

	rec := b.post("/auth/login", url.Values{"email": {teacher.Email}, "password": {password}})
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	require.Equal(t, "/", rec.Header().Get(echo.HeaderLocation))
	require.Contains(t, b.cookies, "token")

	rec = b.follow(rec)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get(echo.HeaderLocation))
	assert.NotContains(t, b.cookies, "token")

	// no redirect back to a role page
	rec = b.get("/student")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get(echo.HeaderLocation))

	rec = b.follow(rec)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sign in")
}

func TestServer_ListAndDetail(t *testing.T) {
	srv, api := setup(t)
	api.AddUser(t, admin, password)
	api.Seed(resource.Topics,
		resource.Record{"id": "t1", "title": "Exams"},
		resource.Record{"id": "t2", "title": "Holidays"},
		resource.Record{"id": "t3", "title": "Library hours"},
	)
	b := newBrowser(t, srv)
	b.login(admin)

	rec := b.get("/admin/topics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Exams")
	assert.Contains(t, body, "Library hours")
	assert.Contains(t, body, `href="/admin/topics/t2"`)
	assert.Contains(t, body, "<h2>New</h2>")

	// served from the cache
	rec = b.get("/admin/topics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, api.Hits(http.MethodGet, "/topics"))

	rec = b.get("/admin/topics?page=2&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Library hours")
	assert.NotContains(t, rec.Body.String(), "Holidays")
	assert.Contains(t, rec.Body.String(), "Previous")

	rec = b.get("/admin/topics?search=holi")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Holidays")
	assert.NotContains(t, rec.Body.String(), "Exams")

	rec = b.get("/admin/topics/t1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Topics t1")
	assert.Contains(t, rec.Body.String(), `value="Exams"`)

	rec = b.get("/admin/topics/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = b.get("/admin/activity-logs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<h2>New</h2>")
}

func TestServer_Mutations(t *testing.T) {
	srv, api := setup(t)
	api.AddUser(t, admin, password)
	api.AddUser(t, student, password)
	api.Seed(resource.Topics, resource.Record{"id": "t1", "title": "Exams"})

	b := newBrowser(t, srv)
	b.login(admin)
	require.Equal(t, http.StatusOK, b.get("/admin/topics").Code)

	t.Run("create", func(t *testing.T) {
		rec := b.post("/admin/topics", url.Values{"title": {"Week 1"}, "content": {""}})
		require.Equal(t, http.StatusSeeOther, rec.Code)
		loc := rec.Header().Get(echo.HeaderLocation)
		assert.True(t, strings.HasPrefix(loc, "/admin/topics/topics-"), loc)

		rec = b.follow(rec)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Topic created.")
		assert.Len(t, api.Records(resource.Topics), 2)

		// the list was invalidated
		rec = b.get("/admin/topics")
		assert.Contains(t, rec.Body.String(), "Week 1")
	})

	t.Run("create invalid", func(t *testing.T) {
		rec := b.post("/admin/topics", url.Values{"title": {"   "}})
		require.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/admin/topics", rec.Header().Get(echo.HeaderLocation))

		rec = b.follow(rec)
		assert.Contains(t, rec.Body.String(), "toast-error")
		assert.Len(t, api.Records(resource.Topics), 2)
	})

	t.Run("update", func(t *testing.T) {
		rec := b.post("/admin/topics/t1", url.Values{"title": {"Final exams"}})
		require.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/admin/topics/t1", rec.Header().Get(echo.HeaderLocation))

		rec = b.follow(rec)
		assert.Contains(t, rec.Body.String(), "Topic updated.")
		assert.Contains(t, rec.Body.String(), `value="Final exams"`)
	})

	t.Run("api failure", func(t *testing.T) {
		api.Fail(http.MethodDelete, "/topics/t1", http.StatusConflict, "topic is referenced")
		defer api.Fail(http.MethodDelete, "/topics/t1", 0, "")

		rec := b.post("/admin/topics/t1/delete", nil)
		require.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/admin/topics/t1", rec.Header().Get(echo.HeaderLocation))

		rec = b.follow(rec)
		assert.Contains(t, rec.Body.String(), "topic is referenced")
	})

	t.Run("delete", func(t *testing.T) {
		rec := b.post("/admin/topics/t1/delete", nil)
		require.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/admin/topics", rec.Header().Get(echo.HeaderLocation))

		rec = b.follow(rec)
		assert.Contains(t, rec.Body.String(), "Topic deleted.")
		assert.NotContains(t, rec.Body.String(), "Final exams")
		assert.Len(t, api.Records(resource.Topics), 1)
	})

	t.Run("read-only role", func(t *testing.T) {
		sb := newBrowser(t, srv)
		sb.login(student)

		rec := sb.post("/student/topics", url.Values{"title": {"Sneaky"}})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Len(t, api.Records(resource.Topics), 1)
	})
}

func TestServer_UpdateProfile(t *testing.T) {
	srv, api := setup(t)
	api.AddUser(t, admin, password)
	b := newBrowser(t, srv)
	b.login(admin)

	rec := b.post("/admin/profile", url.Values{})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, b.follow(rec).Body.String(), "Nothing to update.")

	rec = b.post("/admin/profile", url.Values{"email": {"not-an-email"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, b.follow(rec).Body.String(), "toast-error")

	rec = b.post("/admin/profile", url.Values{"name": {"Ada Lovelace"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/admin/profile", rec.Header().Get(echo.HeaderLocation))

	rec = b.follow(rec)
	assert.Contains(t, rec.Body.String(), "Profile updated.")
	assert.Contains(t, rec.Body.String(), "Ada Lovelace")
	assert.Equal(t, 1, api.Hits(http.MethodPatch, "/users/u1")+api.Hits(http.MethodPut, "/users/u1"))
}

func TestServer_RejectedCredential(t *testing.T) {
	srv, api := setup(t)
	api.AddUser(t, admin, password)
	b := newBrowser(t, srv)
	b.login(admin)
	require.Equal(t, http.StatusOK, b.get("/admin").Code)

	api.Fail(http.MethodGet, "/events", http.StatusUnauthorized, "invalid or expired token")

	rec := b.get("/admin/events")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get(echo.HeaderLocation))
	assert.NotContains(t, b.cookies, "token")

	rec = b.get("/admin")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get(echo.HeaderLocation))
}

func TestServer_APIProxy(t *testing.T) {
	srv, api := setup(t)
	token := api.AddUser(t, admin, password)
	api.Seed(resource.Events, resource.Record{"id": "e1", "title": "Orientation"})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/events", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
		assert.Zero(t, api.Hits(http.MethodOptions, "/events"))
	})

	t.Run("passthrough", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
		assert.Contains(t, rec.Body.String(), "Orientation")
		assert.Equal(t, 1, api.Hits(http.MethodGet, "/events"))
		assert.Equal(t, "Bearer "+token, api.LastHeader(echo.HeaderAuthorization))
	})

	t.Run("upstream error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "*", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	})
}

func TestServer_ProxiedWriteInvalidates(t *testing.T) {
	srv, api := setup(t)
	token := api.AddUser(t, admin, password)
	api.Seed(resource.Events, resource.Record{"id": "e1", "title": "Orientation"})
	b := newBrowser(t, srv)
	b.login(admin)

	require.Equal(t, http.StatusOK, b.get("/admin/events").Code)
	require.Equal(t, http.StatusOK, b.get("/admin/events").Code)
	require.Equal(t, 1, api.Hits(http.MethodGet, "/events"))

	body := `{"title":"Graduation","startDate":"2026-06-01","endDate":"2026-06-02"}`
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := b.send(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = b.get("/admin/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Graduation")
	assert.Equal(t, 2, api.Hits(http.MethodGet, "/events"))
}

func TestServer_Healthz(t *testing.T) {
	srv, api := setup(t)
	api.AddUser(t, admin, password)
	b := newBrowser(t, srv)
	b.login(admin)

	rec := b.get("/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Status  string `json:"status"`
		Build   string `json:"build"`
		Devices int    `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "test", got.Build)
	assert.Equal(t, 1, got.Devices)
}

func TestServer_Metrics(t *testing.T) {
	srv, api := setup(t)
	api.AddUser(t, admin, password)
	b := newBrowser(t, srv)
	b.login(admin)
	require.Equal(t, http.StatusOK, b.get("/admin/events").Code)

	rec := b.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	data, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "masomo_query_cache_deduplicated_total")
	assert.Contains(t, string(data), `masomo_query_cache_fetches_total{result="success",scope="events"}`)
}

func TestServer_JSONErrors(t *testing.T) {
	srv, api := setup(t)
	api.AddUser(t, student, password)
	b := newBrowser(t, srv)
	b.login(student)

	req := httptest.NewRequest(http.MethodGet, "/student/users", nil)
	req.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)
	rec := b.send(req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
}
