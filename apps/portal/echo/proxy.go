package echoportal

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-portal/core/resource"
)

// newAPIProxy forwards the API prefix to the remote REST API.
func (s *Server) newAPIProxy() (echo.MiddlewareFunc, error) {
	target, err := url.Parse(s.deps.API.BaseURL())
	if err != nil {
		return nil, errors.Wrap(err, "parsing API base URL")
	}
	prefix := s.deps.Conf.Portal.APIPrefix

	return middleware.ProxyWithConfig(middleware.ProxyConfig{
		Balancer: middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{{URL: target}}),
		Rewrite:  map[string]string{prefix + "/*": "/$1"},
		ModifyResponse: func(res *http.Response) error {
			// the edge filter already stamped ours
			for k := range corsHeaders {
				res.Header.Del(k)
			}
			return nil
		},
	}), nil
}

// invalidateOnWrite drops the cached reads a successful proxied write made stale
// for the device issuing it.
func (s *Server) invalidateOnWrite(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		err := next(ctx)

		req := ctx.Request()
		if req.Method == http.MethodGet || req.Method == http.MethodHead || err != nil {
			return err
		}
		if status := ctx.Response().Status; status < http.StatusOK || status >= http.StatusMultipleChoices {
			return nil
		}
		dev, ok := s.peekDevice(req)
		if !ok {
			return nil
		}

		path := strings.TrimPrefix(req.URL.Path, s.deps.Conf.Portal.APIPrefix)
		if kind, _, ok := resource.ParsePath(path); ok {
			n := dev.cache.Invalidate(kind.All())
			s.deps.Logger.Debug("proxied write invalidated cached reads", map[string]interface{}{"path": path, "entries": n})
		}
		return nil
	}
}
