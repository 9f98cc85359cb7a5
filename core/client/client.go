/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router.
This makes it perfectly suited for unit tests. With NewWithURL it can also
talk to a live server.
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
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	ctx        context.Context
}

// NewWithRouter creates a client to make pseudo-REST requests to the
// backend, through the mux router.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router: router,
	}
}

// NewWithURL creates a client to make REST requests to a running backend.
func NewWithURL(url string) Client {
	return Client{
		url:        url,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithContext returns a new client with a specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

func (c Client) context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c Client) do(r *http.Request) (status int, resBody []byte, err error) {
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Result().StatusCode, rec.Body.Bytes(), nil
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	defer res.Body.Close()
	resBody, _ = io.ReadAll(res.Body)
	return res.StatusCode, resBody, nil
}

func (c Client) doWithBody(method, path string, body interface{}, expect int, result interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		j, ok := body.([]byte)
		if !ok {
			var err error
			j, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, err
			}
		}
		reader = bytes.NewReader(j)
	}
	r, _ := http.NewRequestWithContext(c.context(), method, c.url+path, reader)
	if reader != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	status, resBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != expect {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, expect, strings.TrimSpace(string(resBody)))
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

// RawGet gets the resource from path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// result can be map[string]interface{} or a raw *[]byte. result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	return c.doWithBody(http.MethodGet, path, nil, http.StatusOK, result)
}

// RawPost posts a resource to path. Expects http.StatusCreated as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	return c.doWithBody(http.MethodPost, path, body, http.StatusCreated, result)
}

// RawPostOK is RawPost for endpoints which answer http.StatusOK, such as
// the settings upsert and the login check.
func (c Client) RawPostOK(path string, body interface{}, result interface{}) (int, error) {
	return c.doWithBody(http.MethodPost, path, body, http.StatusOK, result)
}

// RawPut puts a resource to path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	return c.doWithBody(http.MethodPut, path, body, http.StatusOK, result)
}

// RawPatch patches a resource at path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	return c.doWithBody(http.MethodPatch, path, body, http.StatusOK, result)
}

// RawDelete deletes the resource at path, with an optional body. Expects
// http.StatusOK as response, otherwise it will flag an error. Returns the
// actual http status code.
func (c Client) RawDelete(path string, body interface{}, result interface{}) (int, error) {
	return c.doWithBody(http.MethodDelete, path, body, http.StatusOK, result)
}
