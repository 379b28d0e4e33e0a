package mockserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/GoCodeAlone/forgeit/jsoncmp"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Request is a request received by the server, as kept in the journal.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Header  http.Header
	Body    []byte
	Matched bool
}

// JSON decodes the request body into v.
func (r *Request) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("mockserver: decode body of %s %s: %w", r.Method, r.Path, err)
	}
	return nil
}

// env is the variable set predicates are evaluated against.
func (r *Request) env() map[string]any {
	query := make(map[string]any, len(r.Query))
	for k := range r.Query {
		query[k] = r.Query.Get(k)
	}
	headers := make(map[string]any, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	var body any = string(r.Body)
	var doc any
	if len(r.Body) > 0 && json.Unmarshal(r.Body, &doc) == nil {
		body = doc
	}
	return map[string]any{
		"method":  r.Method,
		"path":    r.Path,
		"query":   query,
		"headers": headers,
		"body":    body,
	}
}

// RequestPattern selects requests. Zero fields match anything.
type RequestPattern struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	// BodyJSON must equal the request body once Ignore paths are removed.
	BodyJSON any
	Ignore   []string
	// When is an expr predicate over method, path, query, headers and body.
	When string

	program *vm.Program
}

// compile prepares the When predicate. It must run before p is shared.
func (p *RequestPattern) compile() error {
	if p.When == "" || p.program != nil {
		return nil
	}
	program, err := expr.Compile(p.When, expr.AsBool())
	if err != nil {
		return fmt.Errorf("mockserver: predicate %q: %w", p.When, err)
	}
	p.program = program
	return nil
}

// Matches reports whether r is selected by p.
func (p *RequestPattern) Matches(r *Request) bool {
	if p.Method != "" && !strings.EqualFold(p.Method, r.Method) {
		return false
	}
	if p.Path != "" && p.Path != r.Path {
		return false
	}
	for k, v := range p.Query {
		if r.Query.Get(k) != v {
			return false
		}
	}
	for k, v := range p.Headers {
		if r.Header.Get(k) != v {
			return false
		}
	}
	if p.BodyJSON != nil && !jsoncmp.Equal(p.BodyJSON, r.Body, p.Ignore...) {
		return false
	}
	if p.When != "" {
		program := p.program
		if program == nil {
			var err error
			if program, err = expr.Compile(p.When, expr.AsBool()); err != nil {
				return false
			}
		}
		out, err := expr.Run(program, r.env())
		if err != nil {
			return false
		}
		ok, _ := out.(bool)
		return ok
	}
	return true
}

func (p *RequestPattern) String() string {
	method, path := p.Method, p.Path
	if method == "" {
		method = "*"
	}
	if path == "" {
		path = "*"
	}
	return method + " " + path
}
