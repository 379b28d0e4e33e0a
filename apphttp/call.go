package apphttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/GoCodeAlone/forgeit/jsoncmp"
	"github.com/itchyny/gojq"
)

// Defaults are applied to a call for every value it did not set itself.
type Defaults struct {
	// Request and Response name files of the default fixture directories.
	Request  string
	Response string
	Status   int
	Token    string
}

// Endpoint describes one route of the application. Req and Res are the
// types fixtures decode into when a call mutates them.
type Endpoint[Req, Res any] struct {
	Method string
	// Path may hold {name} placeholders filled from PathParams.
	Path     string
	Defaults *Defaults
}

// PathParams fill the placeholders of an endpoint path.
type PathParams map[string]any

// QueryParams become the query string. Slice and array values repeat the
// key; nil values are skipped.
type QueryParams map[string]any

var placeholder = regexp.MustCompile(`\{([^/}]+)\}`)

// Call builds and runs one request against an endpoint.
type Call[Req, Res any] struct {
	client   *Client
	endpoint Endpoint[Req, Res]
	err      error

	request      []byte
	response     []byte
	ignore       []string
	status       int
	token        string
	tokenSet     bool
	header       http.Header
	pathParams   PathParams
	queryParams  QueryParams
	expectations []func(*Result) error

	defaultRequestMutator  func(*Req)
	defaultResponseMutator func(*Res)
}

// Ping starts a call of e through c.
func Ping[Req, Res any](c *Client, e Endpoint[Req, Res]) *Call[Req, Res] {
	return &Call[Req, Res]{client: c, endpoint: e, header: http.Header{}}
}

func (b *Call[Req, Res]) fail(err error) *Call[Req, Res] {
	if b.err == nil {
		b.err = err
	}
	return b
}

// WithRequest sends the named request fixture, after mutate when given.
func (b *Call[Req, Res]) WithRequest(name string, mutate ...func(*Req)) *Call[Req, Res] {
	data, err := loadAs(b.client.fixtures.Request, "request", name, mutate)
	if err != nil {
		return b.fail(err)
	}
	b.request = data
	return b
}

// WithBody sends v JSON encoded.
func (b *Call[Req, Res]) WithBody(v Req) *Call[Req, Res] {
	data, err := json.Marshal(v)
	if err != nil {
		return b.fail(fmt.Errorf("apphttp: encode request body: %w", err))
	}
	b.request = data
	return b
}

// ExpectResponse compares the response body with the named fixture,
// ignoring the given jq paths.
func (b *Call[Req, Res]) ExpectResponse(name string, ignore ...string) *Call[Req, Res] {
	return b.ExpectResponseWith(name, nil, ignore...)
}

// ExpectResponseWith is ExpectResponse with the fixture mutated first.
func (b *Call[Req, Res]) ExpectResponseWith(name string, mutate func(*Res), ignore ...string) *Call[Req, Res] {
	var mutators []func(*Res)
	if mutate != nil {
		mutators = append(mutators, mutate)
	}
	data, err := loadAs(b.client.fixtures.Response, "response", name, mutators)
	if err != nil {
		return b.fail(err)
	}
	b.response = data
	b.ignore = append(b.ignore, ignore...)
	return b
}

// ExpectStatus checks the response status code.
func (b *Call[Req, Res]) ExpectStatus(code int) *Call[Req, Res] {
	b.status = code
	return b
}

// ExpectPath checks the value the jq path selects from the response body.
func (b *Call[Req, Res]) ExpectPath(path string, want any) *Call[Req, Res] {
	query, err := gojq.Parse(path)
	if err != nil {
		return b.fail(fmt.Errorf("apphttp: path %q: %w", path, err))
	}
	return b.Expect(func(r *Result) error {
		var doc any
		if err := json.Unmarshal(r.Body, &doc); err != nil {
			return fmt.Errorf("response is not JSON: %w", err)
		}
		got, ok := query.Run(doc).Next()
		if !ok {
			return fmt.Errorf("path %s selects nothing", path)
		}
		if err, isErr := got.(error); isErr {
			return fmt.Errorf("path %s: %w", path, err)
		}
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return err
		}
		gotJSON, err := json.Marshal(got)
		if err != nil {
			return err
		}
		if err := jsoncmp.Compare(wantJSON, gotJSON); err != nil {
			return fmt.Errorf("path %s: %w", path, err)
		}
		return nil
	})
}

// ExpectSchema validates the response body against a JSON Schema file.
// Relative names resolve against the client's schema directory.
func (b *Call[Req, Res]) ExpectSchema(name string) *Call[Req, Res] {
	path := schemaPath(b.client.schemaDir, name)
	svc, schema, err := schemas.compile(path)
	if err != nil {
		return b.fail(err)
	}
	return b.Expect(func(r *Result) error {
		if err := svc.ValidateBytes(schema, r.Body); err != nil {
			return fmt.Errorf("schema %s: %w", name, err)
		}
		return nil
	})
}

// Expect adds a custom check of the result.
func (b *Call[Req, Res]) Expect(check func(*Result) error) *Call[Req, Res] {
	b.expectations = append(b.expectations, check)
	return b
}

// Token sets the Authorization header. An empty token sends none, even
// when a default token is configured.
func (b *Call[Req, Res]) Token(token string) *Call[Req, Res] {
	b.token = token
	b.tokenSet = true
	return b
}

// Header adds a request header.
func (b *Call[Req, Res]) Header(key, value string) *Call[Req, Res] {
	b.header.Add(key, value)
	return b
}

// WithPathParams fills the path placeholders.
func (b *Call[Req, Res]) WithPathParams(p PathParams) *Call[Req, Res] {
	if len(p) > 0 {
		b.pathParams = p
	}
	return b
}

// WithQueryParams sets the query string.
func (b *Call[Req, Res]) WithQueryParams(q QueryParams) *Call[Req, Res] {
	if len(q) > 0 {
		b.queryParams = q
	}
	return b
}

// MutateDefaults changes the default request and response fixtures before
// they are used. Either function may be nil.
func (b *Call[Req, Res]) MutateDefaults(request func(*Req), response func(*Res)) *Call[Req, Res] {
	if request != nil {
		b.defaultRequestMutator = request
	}
	if response != nil {
		b.defaultResponseMutator = response
	}
	return b
}

// applyDefaults fills what the call left unset from the endpoint defaults.
func (b *Call[Req, Res]) applyDefaults() error {
	d := b.endpoint.Defaults
	if d == nil {
		return nil
	}
	if b.request == nil && d.Request != "" {
		data, err := loadAs(b.client.fixtures.DefaultRequest, "default request", d.Request, nonNil(b.defaultRequestMutator))
		if err != nil {
			return err
		}
		b.request = data
	}
	if b.response == nil && d.Response != "" {
		data, err := loadAs(b.client.fixtures.DefaultResponse, "default response", d.Response, nonNil(b.defaultResponseMutator))
		if err != nil {
			return err
		}
		b.response = data
	}
	if b.status == 0 {
		b.status = d.Status
	}
	return nil
}

func nonNil[T any](fn func(*T)) []func(*T) {
	if fn == nil {
		return nil
	}
	return []func(*T){fn}
}

func (b *Call[Req, Res]) resolveToken() string {
	if b.tokenSet {
		return b.token
	}
	if b.client.token != "" {
		return b.client.token
	}
	if b.endpoint.Defaults != nil {
		return b.endpoint.Defaults.Token
	}
	return ""
}

// Do sends the call and checks every expectation. The result is returned
// even when an expectation fails.
func (b *Call[Req, Res]) Do(ctx context.Context) (*Result, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.applyDefaults(); err != nil {
		return nil, err
	}
	method := strings.ToUpper(b.endpoint.Method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, fmt.Errorf("apphttp: unsupported method %q", b.endpoint.Method)
	}
	path, err := ResolvePath(b.endpoint.Path, b.pathParams)
	if err != nil {
		return nil, err
	}

	header := b.header.Clone()
	if b.request != nil {
		header.Set("Content-Type", "application/json")
	}
	if token := b.resolveToken(); token != "" {
		header.Set("Authorization", token)
	}

	res, err := b.client.do(ctx, method, path, EncodeQuery(b.queryParams), b.request, header)
	if err != nil {
		return nil, err
	}

	var errs []error
	if b.status != 0 && res.Status != b.status {
		errs = append(errs, fmt.Errorf("status %d, want %d", res.Status, b.status))
	}
	if b.response != nil {
		if err := jsoncmp.Compare(b.response, res.Body, b.ignore...); err != nil {
			errs = append(errs, err)
		}
	}
	for _, check := range b.expectations {
		if err := check(res); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("%w: %s %s: %w", ErrExpectation, method, path, errors.Join(errs...))
	}
	return res, nil
}

// Decode sends the call and decodes the response body into Res.
func (b *Call[Req, Res]) Decode(ctx context.Context) (Res, error) {
	var out Res
	res, err := b.Do(ctx)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(res.Body, &out); err != nil {
		return out, fmt.Errorf("apphttp: decode response: %w", err)
	}
	return out, nil
}

// loadAs reads a fixture. With mutators it is decoded into T, mutated and
// encoded again.
func loadAs[T any](fsys fs.FS, kind, name string, mutate []func(*T)) ([]byte, error) {
	data, err := readFixture(fsys, kind, name)
	if err != nil {
		return nil, err
	}
	if len(mutate) == 0 {
		if !json.Valid(data) {
			return nil, fmt.Errorf("apphttp: %s fixture %s is not valid JSON", kind, name)
		}
		return data, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("apphttp: decode %s fixture %s: %w", kind, name, err)
	}
	for _, fn := range mutate {
		fn(&v)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("apphttp: encode %s fixture %s: %w", kind, name, err)
	}
	return out, nil
}

// ResolvePath fills the {name} placeholders of template. Missing or
// leftover placeholders are errors.
func ResolvePath(template string, params PathParams) (string, error) {
	if len(params) == 0 {
		if placeholder.MatchString(template) {
			return "", fmt.Errorf("apphttp: path parameters are required for %s", template)
		}
		return template, nil
	}
	resolved := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		v, ok := params[m[1:len(m)-1]]
		if !ok {
			return m
		}
		return url.PathEscape(fmt.Sprint(v))
	})
	if placeholder.MatchString(resolved) {
		return "", fmt.Errorf("apphttp: not all placeholders of %s were resolved", template)
	}
	return resolved, nil
}

// EncodeQuery renders q in key order.
func EncodeQuery(q QueryParams) string {
	if len(q) == 0 {
		return ""
	}
	values := url.Values{}
	for k, v := range q {
		addQuery(values, k, v)
	}
	return values.Encode()
}

func addQuery(values url.Values, key string, v any) {
	if v == nil {
		return
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if _, isBytes := v.([]byte); !isBytes {
			for i := range rv.Len() {
				addQuery(values, key, rv.Index(i).Interface())
			}
			return
		}
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return
		}
		addQuery(values, key, rv.Elem().Interface())
		return
	}
	values.Add(key, fmt.Sprint(v))
}
