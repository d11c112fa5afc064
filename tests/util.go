package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-portal/core/auth"
	"github.com/trezcool/masomo-portal/core/resource"
	"github.com/trezcool/masomo-portal/core/user"
)

var signingKey = []byte("fake-api-secret")

type (
	fakeUser struct {
		profile  user.Profile
		password string
	}

	failure struct {
		status int
		msg    string
	}

	// FakeAPI is an in-memory rendition of the remote REST API.
	FakeAPI struct {
		*httptest.Server

		mu       sync.Mutex
		users    map[string]*fakeUser // by email
		tokens   map[string]string    // token -> user id
		records  map[resource.Kind][]resource.Record
		hits     map[string]int
		headers  []http.Header
		failures map[string]failure
		latency  time.Duration
		seq      int
	}
)

// NewFakeAPI starts a fake API server; it is closed when the test ends.
func NewFakeAPI(t *testing.T) *FakeAPI {
	api := &FakeAPI{
		users:    make(map[string]*fakeUser),
		tokens:   make(map[string]string),
		records:  make(map[resource.Kind][]resource.Record),
		hits:     make(map[string]int),
		failures: make(map[string]failure),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(api.track)

	e.POST("/auth/login", api.login)
	e.GET("/auth/profile", api.profile, api.authenticate)
	e.GET("/:resource", api.list, api.authenticate)
	e.POST("/:resource", api.create, api.authenticate)
	e.GET("/:resource/:id", api.get, api.authenticate)
	e.PUT("/:resource/:id", api.update, api.authenticate)
	e.PATCH("/:resource/:id", api.update, api.authenticate)
	e.DELETE("/:resource/:id", api.delete, api.authenticate)

	api.Server = httptest.NewServer(e)
	t.Cleanup(api.Close)
	return api
}

// Token signs a credential for the user id with role.
func Token(t *testing.T, id string, role user.Role, ttl time.Duration) string {
	claims := auth.Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   id,
			ExpiresAt: time.Now().Add(ttl).Unix(),
		},
		UserID: id,
		Role:   string(role),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	return token
}

// AddUser registers a user able to log in with password and returns a valid token of theirs.
func (api *FakeAPI) AddUser(t *testing.T, p user.Profile, password string) string {
	token := Token(t, p.ID, p.Role, time.Hour)
	api.mu.Lock()
	defer api.mu.Unlock()
	api.users[strings.ToLower(p.Email)] = &fakeUser{profile: p, password: password}
	api.tokens[token] = p.ID
	api.records[resource.Users] = append(api.records[resource.Users], resource.Record{
		"id": p.ID, "name": p.Name, "email": p.Email, "role": string(p.Role),
	})
	return token
}

// Seed adds records of kind.
func (api *FakeAPI) Seed(kind resource.Kind, recs ...resource.Record) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.records[kind] = append(api.records[kind], recs...)
}

// Records returns the stored records of kind.
func (api *FakeAPI) Records(kind resource.Kind) []resource.Record {
	api.mu.Lock()
	defer api.mu.Unlock()
	return append([]resource.Record{}, api.records[kind]...)
}

// Fail makes every "METHOD path" call answer status with msg. A zero status clears the failure.
func (api *FakeAPI) Fail(method, path string, status int, msg string) {
	api.mu.Lock()
	defer api.mu.Unlock()
	if status == 0 {
		delete(api.failures, method+" "+path)
		return
	}
	api.failures[method+" "+path] = failure{status: status, msg: msg}
}

// SetLatency delays every response.
func (api *FakeAPI) SetLatency(d time.Duration) {
	api.mu.Lock()
	api.latency = d
	api.mu.Unlock()
}

// Hits returns how many "METHOD path" calls were received.
func (api *FakeAPI) Hits(method, path string) int {
	api.mu.Lock()
	defer api.mu.Unlock()
	return api.hits[method+" "+path]
}

// LastHeader returns the header name of the last call received.
func (api *FakeAPI) LastHeader(name string) string {
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.headers) == 0 {
		return ""
	}
	return api.headers[len(api.headers)-1].Get(name)
}

// Headers returns the header name of every call received, in order.
func (api *FakeAPI) Headers(name string) []string {
	api.mu.Lock()
	defer api.mu.Unlock()
	vals := make([]string, 0, len(api.headers))
	for _, h := range api.headers {
		vals = append(vals, h.Get(name))
	}
	return vals
}

func message(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"message": msg})
}

func (api *FakeAPI) track(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		key := req.Method + " " + req.URL.Path

		api.mu.Lock()
		api.hits[key]++
		api.headers = append(api.headers, req.Header.Clone())
		fail, failing := api.failures[key]
		latency := api.latency
		api.mu.Unlock()

		if latency > 0 {
			time.Sleep(latency)
		}
		if failing {
			return message(c, fail.status, fail.msg)
		}
		return next(c)
	}
}

func (api *FakeAPI) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		api.mu.Lock()
		id, ok := api.tokens[token]
		api.mu.Unlock()
		if !ok {
			return message(c, http.StatusUnauthorized, "invalid or expired token")
		}
		c.Set("userID", id)
		return next(c)
	}
}

func (api *FakeAPI) login(c echo.Context) error {
	var creds user.Credentials
	if err := c.Bind(&creds); err != nil {
		return message(c, http.StatusBadRequest, "invalid body")
	}
	api.mu.Lock()
	usr, ok := api.users[strings.ToLower(creds.Email)]
	var token string
	if ok && usr.password == creds.Password {
		for tok, id := range api.tokens {
			if id == usr.profile.ID {
				token = tok
				break
			}
		}
	}
	api.mu.Unlock()
	if token == "" {
		return message(c, http.StatusUnauthorized, "invalid email or password")
	}
	p := usr.profile
	return c.JSON(http.StatusOK, echo.Map{
		"message": "logged in",
		"data": echo.Map{
			"token": token,
			"user":  user.Info{ID: p.ID, Name: p.Name, Email: p.Email, Username: p.Username, Role: p.Role},
		},
	})
}

func (api *FakeAPI) profile(c echo.Context) error {
	id := c.Get("userID").(string)
	api.mu.Lock()
	defer api.mu.Unlock()
	for _, usr := range api.users {
		if usr.profile.ID == id {
			return c.JSON(http.StatusOK, echo.Map{"message": "ok", "data": usr.profile})
		}
	}
	return message(c, http.StatusNotFound, "user not found")
}

func (api *FakeAPI) kind(c echo.Context) (resource.Kind, error) {
	kind, ok := resource.ParseKind(c.Param("resource"))
	if !ok {
		return "", message(c, http.StatusNotFound, "not found")
	}
	return kind, nil
}

func matches(rec resource.Record, search string) bool {
	if search == "" {
		return true
	}
	for _, v := range rec {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), strings.ToLower(search)) {
			return true
		}
	}
	return false
}

func (api *FakeAPI) list(c echo.Context) error {
	kind, err := api.kind(c)
	if kind == "" {
		return err
	}
	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	api.mu.Lock()
	items := make([]resource.Record, 0)
	for _, rec := range api.records[kind] {
		if matches(rec, c.QueryParam("search")) {
			items = append(items, rec)
		}
	}
	api.mu.Unlock()

	total := len(items)
	start, end := (page-1)*limit, page*limit
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message":    "ok",
		"data":       items[start:end],
		"total":      total,
		"page":       page,
		"limit":      limit,
		"totalPages": (total + limit - 1) / limit,
	})
}

func (api *FakeAPI) find(kind resource.Kind, id string) (int, resource.Record) {
	for i, rec := range api.records[kind] {
		if rec.ID() == id {
			return i, rec
		}
	}
	return -1, nil
}

func (api *FakeAPI) get(c echo.Context) error {
	kind, err := api.kind(c)
	if kind == "" {
		return err
	}
	api.mu.Lock()
	_, rec := api.find(kind, c.Param("id"))
	api.mu.Unlock()
	if rec == nil {
		return message(c, http.StatusNotFound, strings.TrimSuffix(kind.Title(), "s")+" not found")
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "ok", "data": rec})
}

func (api *FakeAPI) create(c echo.Context) error {
	kind, err := api.kind(c)
	if kind == "" {
		return err
	}
	rec := resource.Record{}
	if err := json.NewDecoder(c.Request().Body).Decode(&rec); err != nil {
		return message(c, http.StatusBadRequest, "invalid body")
	}
	delete(rec, "password")
	delete(rec, "passwordConfirm")

	api.mu.Lock()
	api.seq++
	rec["id"] = fmt.Sprintf("%s-%d", kind, api.seq)
	api.records[kind] = append(api.records[kind], rec)
	api.mu.Unlock()
	return c.JSON(http.StatusCreated, echo.Map{"message": "created", "data": rec})
}

func (api *FakeAPI) update(c echo.Context) error {
	kind, err := api.kind(c)
	if kind == "" {
		return err
	}
	patch := resource.Record{}
	if err := json.NewDecoder(c.Request().Body).Decode(&patch); err != nil {
		return message(c, http.StatusBadRequest, "invalid body")
	}
	delete(patch, "id")

	api.mu.Lock()
	defer api.mu.Unlock()
	_, rec := api.find(kind, c.Param("id"))
	if rec == nil {
		return message(c, http.StatusNotFound, "not found")
	}
	for k, v := range patch {
		rec[k] = v
	}
	if kind == resource.Users {
		api.syncProfile(rec)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "updated", "data": rec})
}

// syncProfile mirrors an updated users record into the profile endpoint. Must be called with the lock held.
func (api *FakeAPI) syncProfile(rec resource.Record) {
	for _, usr := range api.users {
		if usr.profile.ID != rec.ID() {
			continue
		}
		if v, ok := rec["name"].(string); ok {
			usr.profile.Name = v
		}
		if v, ok := rec["username"].(string); ok {
			usr.profile.Username = v
		}
		if v, ok := rec["email"].(string); ok {
			usr.profile.Email = v
		}
	}
}

func (api *FakeAPI) delete(c echo.Context) error {
	kind, err := api.kind(c)
	if kind == "" {
		return err
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	i, _ := api.find(kind, c.Param("id"))
	if i < 0 {
		return message(c, http.StatusNotFound, "not found")
	}
	recs := api.records[kind]
	api.records[kind] = append(recs[:i:i], recs[i+1:]...)
	return c.JSON(http.StatusOK, echo.Map{"message": "deleted"})
}

// Keys returns the sorted names of the calls received.
func (api *FakeAPI) Keys() []string {
	api.mu.Lock()
	defer api.mu.Unlock()
	keys := make([]string, 0, len(api.hits))
	for k := range api.hits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
