/*
Package client provides easy and fast in-process access to the marketplace REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The client
is perfectly suited for unit tests. With NewWithURL it talks to a running server
instead.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/juaninavos/jerseymarket/core/access"
)

// NextCursorHeader is the response header carrying the cursor of the next page
const NextCursorHeader = "Jersey-Next-Cursor"

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client which sends token as bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAdminAuthorization returns a new client with admin authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAdminAuthorization() Client {
	return c.WithAuthorization(access.NewAccountAuthorization(uuid.Nil, "admin@localhost", []string{access.RoleAdmin}))
}

// WithRole returns a new client with role authorization
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithRole(role string) Client {
	c.auth = &access.Authorization{
		Roles: []string{role},
	}
	return c
}

// WithAccount returns a new client authorized as the given account
func (c Client) WithAccount(accountID uuid.UUID, roles ...string) Client {
	if len(roles) == 0 {
		roles = []string{access.RoleUser}
	}
	return c.WithAuthorization(access.NewAccountAuthorization(accountID, accountID.String()+"@localhost", roles))
}

// WithAuthorization returns a new client with specific authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context including the client's authorization
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

// do executes a request either against the router or over http
func (c Client) do(method, path string, header map[string]string, body interface{}) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, ok := body.([]byte)
		if !ok {
			var err error
			data, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, nil, nil, fmt.Errorf("%s to %s: %w", method, path, err)
			}
		}
		reader = bytes.NewReader(data)
	}

	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, nil, nil, err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	for key, value := range header {
		r.Header.Add(key, value)
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return res.StatusCode, res.Header, rec.Body.Bytes(), nil
	}

	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	return res.StatusCode, res.Header, resBody, err
}

func decode(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

func statusError(method string, status int, resBody []byte) error {
	return fmt.Errorf("%s got status=%d body=%s", method, status, strings.TrimSpace(string(resBody)))
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.RawGetWithHeader(path, nil, result)
	return status, err
}

// RawGetWithHeader gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code and the header.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	status, resHeader, resBody, err := c.do(http.MethodGet, path, header, nil)
	if err != nil {
		return status, resHeader, err
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, resHeader, nil
	}
	if status != http.StatusOK {
		return status, resHeader, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(resBody)))
	}
	return status, resHeader, decode(resBody, result)
}

// RawPost posts body to path. body can be an object or a raw []byte. Expects
// http.StatusOK, http.StatusCreated or http.StatusNoContent as response, otherwise
// it will flag an error.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	status, _, resBody, err := c.do(http.MethodPost, path, nil, body)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, statusError("post", status, resBody)
	}
	return status, decode(resBody, result)
}

// RawPut puts body to path. body can be an object or a raw []byte. Expects
// http.StatusOK, http.StatusCreated or http.StatusNoContent as response, otherwise
// it will flag an error.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	status, _, resBody, err := c.do(http.MethodPut, path, nil, body)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, statusError("put", status, resBody)
	}
	return status, decode(resBody, result)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent or
// http.StatusOK as response, otherwise it will flag an error.
func (c Client) RawDelete(path string) (int, error) {
	status, _, resBody, err := c.do(http.MethodDelete, path, nil, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, statusError("delete", status, resBody)
	}
	return status, nil
}

// Page is a page of a cursor paginated list
type Page struct {
	client  Client
	path    string
	cursor  string
	started bool
	done    bool
}

// FirstPage returns the first page of the list at path. The path may contain
// query parameters, including limit, but not cursor.
func (c Client) FirstPage(path string) Page {
	return Page{client: c, path: path}
}

// HasData returns true if the page can have data (by definition true for the first page)
func (p Page) HasData() bool {
	return !p.started || !p.done
}

// Get gets one page of the list and remembers the cursor of the next page
func (p *Page) Get(result interface{}) (int, error) {
	path := p.path
	if len(p.cursor) > 0 {
		separator := "?"
		if strings.Contains(path, "?") {
			separator = "&"
		}
		path += separator + "cursor=" + url.QueryEscape(p.cursor)
	}
	status, header, err := p.client.RawGetWithHeader(path, nil, result)
	p.started = true
	if err != nil {
		p.done = true
		return status, err
	}
	p.cursor = header.Get(NextCursorHeader)
	p.done = len(p.cursor) == 0
	return status, nil
}

// Next returns the next page
func (p Page) Next() Page {
	return Page{
		client:  p.client,
		path:    p.path,
		cursor:  p.cursor,
		started: p.started,
		done:    p.done,
	}
}
