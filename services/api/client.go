package apisvc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/resource"
	"github.com/trezcool/masomo-portal/core/user"
)

// Endpoints of the remote REST API.
const (
	LoginEndpoint   = "/auth/login"
	ProfileEndpoint = "/auth/profile"

	IdempotencyHeader = "Idempotency-Key"
)

// TokenSource yields the credential sent with every authenticated request.
type TokenSource interface {
	Get(ctx context.Context) (string, bool)
}

type staticToken string

func (t staticToken) Get(context.Context) (string, bool) { return string(t), t != "" }

// Client talks to the remote REST API. It implements resource.Transport and session.ProfileFetcher.
type Client struct {
	baseURL string
	rest    *rest.Client
	tokens  TokenSource
}

var _ resource.Transport = (*Client)(nil)

// NewClient returns a client of the API served at baseURL. A zero timeout keeps the platform default.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout > 0 {
		hc := *httpClient
		hc.Timeout = timeout
		httpClient = &hc
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		rest:    &rest.Client{HTTPClient: httpClient},
	}
}

// WithTokens returns a copy of c authenticating with tokens.
func (c *Client) WithTokens(tokens TokenSource) *Client {
	cc := *c
	cc.tokens = tokens
	return &cc
}

func (c *Client) BaseURL() string { return c.baseURL }

type (
	envelope struct {
		Message    string          `json:"message"`
		Error      string          `json:"error"`
		Data       json.RawMessage `json:"data"`
		Total      *int            `json:"total"`
		Page       *int            `json:"page"`
		Limit      *int            `json:"limit"`
		TotalPages *int            `json:"totalPages"`
	}

	call struct {
		method rest.Method
		path   string
		query  map[string]string
		body   interface{}
		token  string
	}
)

func (c *Client) send(ctx context.Context, cl call) (*envelope, error) {
	op := string(cl.method) + " " + cl.path
	req := rest.Request{
		Method:      cl.method,
		BaseURL:     c.baseURL + cl.path,
		Headers:     map[string]string{"Accept": "application/json"},
		QueryParams: cl.query,
	}
	if cl.body != nil {
		body, err := json.Marshal(cl.body)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: encoding body", op)
		}
		req.Body = body
		req.Headers["Content-Type"] = "application/json"
	}

	token := cl.token
	if token == "" && c.tokens != nil {
		token, _ = c.tokens.Get(ctx)
	}
	if token != "" {
		req.Headers["Authorization"] = "Bearer " + token
	}
	if key := core.IdempotencyKey(ctx); key != "" && cl.method != rest.Get {
		req.Headers[IdempotencyHeader] = key
	}

	res, err := c.rest.SendWithContext(ctx, req)
	if err != nil {
		return nil, core.NewTransportError(op, err)
	}

	env := new(envelope)
	if strings.TrimSpace(res.Body) != "" {
		if err = json.Unmarshal([]byte(res.Body), env); err != nil && res.StatusCode < http.StatusBadRequest {
			return nil, errors.Wrapf(err, "%s: decoding response", op)
		}
	}
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		return nil, core.NewAPIError(res.StatusCode, msg)
	}
	return env, nil
}

func (env *envelope) decode(out interface{}) error {
	if out == nil || len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil
	}
	return errors.Wrap(json.Unmarshal(env.Data, out), "decoding data")
}

func (env *envelope) pageInfo(params resource.ListParams, n int) resource.PageInfo {
	info := resource.PageInfo{Total: n, Page: params.Page, Limit: params.Limit, TotalPages: 1}
	if env.Total != nil {
		info.Total = *env.Total
	}
	if env.Page != nil {
		info.Page = *env.Page
	}
	if env.Limit != nil {
		info.Limit = *env.Limit
	}
	if env.TotalPages != nil {
		info.TotalPages = *env.TotalPages
	}
	if info.Page < 1 {
		info.Page = 1
	}
	return info
}

// LoginResult is the data of a successful login.
type LoginResult struct {
	Token       string    `json:"token"`
	AccessToken string    `json:"accessToken"`
	User        user.Info `json:"user"`
}

// Credential returns the token of the login, whichever field carried it.
func (r LoginResult) Credential() string {
	if r.Token != "" {
		return r.Token
	}
	return r.AccessToken
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, creds user.Credentials) (LoginResult, error) {
	env, err := c.send(ctx, call{method: rest.Post, path: LoginEndpoint, body: creds})
	if err != nil {
		return LoginResult{}, err
	}
	var res LoginResult
	if err = env.decode(&res); err != nil {
		return LoginResult{}, err
	}
	if res.Credential() == "" {
		return LoginResult{}, core.NewAPIError(http.StatusBadGateway, "login response without token")
	}
	res.User.Role = user.ParseRole(string(res.User.Role))
	return res, nil
}

// Profile fetches the profile of the user token belongs to.
func (c *Client) Profile(ctx context.Context, token string) (user.Profile, error) {
	env, err := c.send(ctx, call{method: rest.Get, path: ProfileEndpoint, token: token})
	if err != nil {
		return user.Profile{}, err
	}
	var p user.Profile
	if err = env.decode(&p); err != nil {
		return user.Profile{}, err
	}
	p.Role = user.ParseRole(string(p.Role))
	return p, nil
}

func (c *Client) List(ctx context.Context, kind resource.Kind, params resource.ListParams, out interface{}) (resource.PageInfo, error) {
	env, err := c.send(ctx, call{method: rest.Get, path: kind.Path(), query: params.QueryParams()})
	if err != nil {
		return resource.PageInfo{}, err
	}
	var items []json.RawMessage
	if err = env.decode(&items); err != nil {
		return resource.PageInfo{}, err
	}
	if err = env.decode(out); err != nil {
		return resource.PageInfo{}, err
	}
	return env.pageInfo(params, len(items)), nil
}

func (c *Client) Get(ctx context.Context, kind resource.Kind, id string, out interface{}) error {
	env, err := c.send(ctx, call{method: rest.Get, path: kind.Path(id)})
	if err != nil {
		return err
	}
	return env.decode(out)
}

func (c *Client) Create(ctx context.Context, kind resource.Kind, body, out interface{}) error {
	env, err := c.send(ctx, call{method: rest.Post, path: kind.Path(), body: body})
	if err != nil {
		return err
	}
	return env.decode(out)
}

func (c *Client) Update(ctx context.Context, kind resource.Kind, id string, body, out interface{}) error {
	env, err := c.send(ctx, call{method: rest.Put, path: kind.Path(id), body: body})
	if err != nil {
		return err
	}
	return env.decode(out)
}

func (c *Client) Delete(ctx context.Context, kind resource.Kind, id string) error {
	_, err := c.send(ctx, call{method: rest.Delete, path: kind.Path(id)})
	return err
}

// StaticToken is a TokenSource that always yields token.
func StaticToken(token string) TokenSource { return staticToken(token) }
