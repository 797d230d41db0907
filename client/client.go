/*
Package client provides easy and fast in-process access to a REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The
client is the tool of choice if one request handler needs to call other
handlers to fulfill its task. It is also perfectly suited for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/tarn-io/tarn/core/access"
)

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
// through the mux router.
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend.
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added.
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client with a bearer token.
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithRole returns a new client with role authorization (this works only
// directly against the mux router, for a normal client use WithToken()).
func (c Client) WithRole(role string) Client {
	c.auth = &access.Authorization{Roles: []string{role}}
	return c
}

// WithAuthorization returns a new client with specific authorizations (this
// works only directly against the mux router, for a normal client use
// WithToken()).
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with specific request context.
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the client's base context, enriched with its authorization.
func (c Client) Context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

// Get gets the resource from path. Expects http.StatusOK as response,
// otherwise it flags an error. Returns the actual http status code.
//
// The path can be extended with query strings.
// result can be a pointer to any JSON target, a raw *[]byte, or nil.
func (c Client) Get(path string, result any) (int, error) {
	return c.do(http.MethodGet, path, nil, result)
}

// Post posts a resource to path. Expects http.StatusOK as response, otherwise
// it flags an error. Returns the actual http status code.
//
// body can also be a []byte. result can be nil.
func (c Client) Post(path string, body any, result any) (int, error) {
	return c.do(http.MethodPost, path, body, result)
}

// Put puts a resource to path. Expects http.StatusOK as response, otherwise
// it flags an error. Returns the actual http status code.
//
// body can also be a []byte. result can be nil.
func (c Client) Put(path string, body any, result any) (int, error) {
	return c.do(http.MethodPut, path, body, result)
}

// Delete deletes the resource at path. Expects http.StatusOK as response,
// otherwise it flags an error. Returns the actual http status code.
func (c Client) Delete(path string, result any) (int, error) {
	return c.do(http.MethodDelete, path, nil, result)
}

// Raw performs a request with the given method and returns the status code
// and the raw response body without expecting any particular status.
func (c Client) Raw(method string, path string, body any) (int, []byte, error) {
	reqBody, err := encodeBody(body)
	if err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("%s to %s: %w", method, path, err)
	}
	return c.roundTrip(method, path, reqBody)
}

func (c Client) do(method string, path string, body any, result any) (int, error) {
	reqBody, err := encodeBody(body)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("%s to %s: %w", method, path, err)
	}
	status, resBody, err := c.roundTrip(method, path, reqBody)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(resBody)))
	}
	if len(resBody) > 0 && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, err
}

func (c Client) roundTrip(method string, path string, body []byte) (int, []byte, error) {
	// handlers may read the body unconditionally, so it must never be nil
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	r, _ := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Result().StatusCode, rec.Body.Bytes(), nil
	}

	if c.token != "" {
		r.Header.Add("Authorization", "Bearer "+c.token)
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, resBody, nil
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(body)
}
