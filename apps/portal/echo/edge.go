package echoportal

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/auth"
)

// CORS headers stamped on every API response.
var corsHeaders = map[string]string{
	echo.HeaderAccessControlAllowOrigin:  "*",
	echo.HeaderAccessControlAllowMethods: "GET, POST, PUT, PATCH, DELETE, OPTIONS",
	echo.HeaderAccessControlAllowHeaders: "Content-Type, Authorization, Idempotency-Key",
}

type Verdict int

const (
	VerdictNext Verdict = iota
	VerdictPreflight
	VerdictRedirect
)

// EdgeDecision is what the edge filter does with a request.
type EdgeDecision struct {
	Verdict  Verdict
	Location string
	CORS     bool
}

// EdgeFilter routes requests before they reach the page handlers. It never calls the API.
type EdgeFilter struct {
	APIPrefix      string
	LoginPath      string
	LandingPath    string
	PublicPaths    []string
	StaticPrefixes []string
	CookieName     string
	AllowOrigin    string
	NowFunc        func() time.Time
}

func newEdgeFilter(conf core.PortalConfig) EdgeFilter {
	return EdgeFilter{
		APIPrefix:      conf.APIPrefix,
		LoginPath:      conf.LoginPath,
		LandingPath:    conf.LandingPath,
		PublicPaths:    conf.PublicPaths,
		StaticPrefixes: conf.StaticPrefixes,
		CookieName:     conf.CookieName,
		AllowOrigin:    conf.AllowOrigin,
		NowFunc:        time.Now,
	}
}

func (f EdgeFilter) isPublic(path string) bool {
	for _, p := range f.PublicPaths {
		if core.HasPathPrefix(path, p) {
			return true
		}
	}
	return false
}

func (f EdgeFilter) isStatic(path string) bool {
	for _, p := range f.StaticPrefixes {
		if core.HasPathPrefix(path, p) {
			return true
		}
	}
	return false
}

// usable reports whether the credential cookie counts as present.
// An expired JWT is absent; an opaque token is present.
func (f EdgeFilter) usable(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now
	if f.NowFunc != nil {
		now = f.NowFunc
	}
	return !auth.Expired(token, now())
}

// Decide applies the routing rules in order.
func (f EdgeFilter) Decide(method, path, token string) EdgeDecision {
	if f.APIPrefix != "" && core.HasPathPrefix(path, f.APIPrefix) {
		if method == http.MethodOptions {
			return EdgeDecision{Verdict: VerdictPreflight, CORS: true}
		}
		return EdgeDecision{Verdict: VerdictNext, CORS: true}
	}
	if f.isStatic(path) {
		return EdgeDecision{Verdict: VerdictNext}
	}

	hasCred := f.usable(token)
	public := f.isPublic(path)
	switch {
	case !hasCred && !public:
		return EdgeDecision{Verdict: VerdictRedirect, Location: f.LoginPath}
	case hasCred && public:
		return EdgeDecision{Verdict: VerdictRedirect, Location: f.LandingPath}
	}
	return EdgeDecision{Verdict: VerdictNext}
}

func (f EdgeFilter) stampCORS(h http.Header) {
	for k, v := range corsHeaders {
		if k == echo.HeaderAccessControlAllowOrigin && f.AllowOrigin != "" {
			v = f.AllowOrigin
		}
		h.Set(k, v)
	}
}

// Middleware is meant for echo's Pre chain: it runs before routing.
func (f EdgeFilter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			req := ctx.Request()
			var token string
			if ck, err := ctx.Cookie(f.CookieName); err == nil {
				token = ck.Value
			}

			d := f.Decide(req.Method, req.URL.Path, token)
			if d.CORS {
				f.stampCORS(ctx.Response().Header())
			}
			switch d.Verdict {
			case VerdictPreflight:
				return ctx.NoContent(http.StatusOK)
			case VerdictRedirect:
				return ctx.Redirect(http.StatusFound, d.Location)
			}
			return next(ctx)
		}
	}
}
