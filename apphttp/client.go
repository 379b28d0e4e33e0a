package apphttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/modular"
)

// Exchange is one journaled call.
type Exchange struct {
	Method       string
	Path         string
	Status       int
	Duration     time.Duration
	RequestBody  []byte
	ResponseBody []byte
}

// Fixtures holds the JSON files requests and expected responses are read
// from. Nil directories are reported when a call needs them.
type Fixtures struct {
	Request         fs.FS
	Response        fs.FS
	DefaultRequest  fs.FS
	DefaultResponse fs.FS
}

func readFixture(fsys fs.FS, kind, name string) ([]byte, error) {
	if fsys == nil {
		return nil, fmt.Errorf("apphttp: no %s fixture directory configured for %q", kind, name)
	}
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("apphttp: read %s fixture: %w", kind, err)
	}
	return data, nil
}

// Options configures a Client.
type Options struct {
	Fixtures     Fixtures
	DefaultToken string
	// SchemaDir resolves relative ExpectSchema names.
	SchemaDir    string
	Logger       modular.Logger
}

type roundTrip func(*http.Request) (*http.Response, error)

// Client sends calls to the application and keeps a journal of them.
type Client struct {
	send      roundTrip
	baseURL   string
	fixtures  Fixtures
	token     string
	schemaDir string
	logger    modular.Logger

	mu      sync.Mutex
	journal []Exchange
}

// NewHandlerClient calls h in-process, without a listener.
func NewHandlerClient(h http.Handler, opts Options) *Client {
	send := func(req *http.Request) (*http.Response, error) {
		req.RequestURI = req.URL.RequestURI()
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Result(), nil
	}
	return newClient(send, "http://application.test", opts)
}

// NewRemoteClient calls the application listening at baseURL. A nil hc
// uses http.DefaultClient.
func NewRemoteClient(baseURL string, hc *http.Client, opts Options) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return newClient(hc.Do, strings.TrimSuffix(baseURL, "/"), opts)
}

func newClient(send roundTrip, baseURL string, opts Options) *Client {
	return &Client{
		send:      send,
		baseURL:   baseURL,
		fixtures:  opts.Fixtures,
		token:     opts.DefaultToken,
		schemaDir: opts.SchemaDir,
		logger:    opts.Logger,
	}
}

// Journal returns the calls made since the last Reset.
func (c *Client) Journal() []Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.journal)
}

// Reset clears the journal.
func (c *Client) Reset() {
	c.mu.Lock()
	c.journal = nil
	c.mu.Unlock()
}

// do sends one request and journals it. The response body is read fully.
func (c *Client) do(ctx context.Context, method, path, query string, body []byte, header http.Header) (*Result, error) {
	target := c.baseURL + path
	if query != "" {
		target += "?" + query
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("apphttp: build %s %s: %w", method, path, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.send(req)
	if err != nil {
		return nil, fmt.Errorf("apphttp: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("apphttp: read %s %s response: %w", method, path, err)
	}
	elapsed := time.Since(start)

	c.mu.Lock()
	c.journal = append(c.journal, Exchange{
		Method:       method,
		Path:         path,
		Status:       resp.StatusCode,
		Duration:     elapsed,
		RequestBody:  body,
		ResponseBody: data,
	})
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Debug("Application call", "method", method, "path", path, "status", resp.StatusCode, "duration", elapsed)
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Result is a completed call.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// ErrExpectation wraps every failed response expectation.
var ErrExpectation = errors.New("apphttp: expectation failed")
