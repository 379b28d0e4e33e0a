package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/modular"
)

// Response is what a mapping answers with.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
	Delay   time.Duration
}

// Mapping pairs a request pattern with a response.
type Mapping struct {
	Pattern  RequestPattern
	Response Response
	// Source names the stub file a mapping was loaded from.
	Source string
}

// Server is an HTTP server answering from registered mappings and keeping
// a journal of every request it received.
type Server struct {
	logger   modular.Logger
	listener net.Listener
	srv      *http.Server

	mu       sync.RWMutex
	mappings []*Mapping
	stubs    []*Mapping
	journal  []*Request
	serving  bool
	closed   bool
}

// Listen binds addr ("127.0.0.1:0" picks a free port). Requests are served
// once Serve is called.
func Listen(addr string, logger modular.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mockserver: listen on %s: %w", addr, err)
	}
	s := &Server{logger: logger, listener: ln}
	s.srv = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// Addr returns the bound host:port.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// URL returns the base URL of the server.
func (s *Server) URL() string { return "http://" + s.Addr() }

// Serve starts answering requests in the background.
func (s *Server) Serve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving || s.closed {
		return
	}
	s.serving = true
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Mock server stopped", "addr", s.Addr(), "error", err)
		}
	}()
}

// Close shuts the server down.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	serving := s.serving
	s.mu.Unlock()

	if !serving {
		return s.listener.Close()
	}
	return s.srv.Shutdown(ctx)
}

// Add registers m. Mappings added later take precedence.
func (s *Server) Add(m *Mapping) error {
	if err := m.Pattern.compile(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = append(s.mappings, m)
	return nil
}

// SetStubs replaces the mappings loaded from stub files. Programmatic
// mappings take precedence over stubs.
func (s *Server) SetStubs(stubs []*Mapping) error {
	for _, m := range stubs {
		if err := m.Pattern.compile(); err != nil {
			return fmt.Errorf("%s: %w", m.Source, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = stubs
	return nil
}

// When starts a mapping for method and path.
func (s *Server) When(method, path string) *MappingBuilder {
	return &MappingBuilder{server: s, mapping: &Mapping{
		Pattern:  RequestPattern{Method: method, Path: path},
		Response: Response{Status: http.StatusOK},
	}}
}

// Requests returns the journal entries matching p, oldest first.
func (s *Server) Requests(p RequestPattern) ([]*Request, error) {
	if err := p.compile(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, r := range s.journal {
		if p.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Verify fails unless exactly times journal entries match p.
func (s *Server) Verify(p RequestPattern, times int) error {
	got, err := s.Requests(p)
	if err != nil {
		return err
	}
	if len(got) != times {
		return fmt.Errorf("mockserver: expected %d request(s) matching %s, received %d", times, p.String(), len(got))
	}
	return nil
}

// Unmatched returns the requests no mapping answered.
func (s *Server) Unmatched() []*Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, r := range s.journal {
		if !r.Matched {
			out = append(out, r)
		}
	}
	return out
}

// Reset drops programmatic mappings and the journal. Stubs stay.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = nil
	s.journal = nil
}

func (s *Server) match(r *Request) *Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.mappings) - 1; i >= 0; i-- {
		if s.mappings[i].Pattern.Matches(r) {
			return s.mappings[i]
		}
	}
	for i := len(s.stubs) - 1; i >= 0; i-- {
		if s.stubs[i].Pattern.Matches(r) {
			return s.stubs[i]
		}
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := &Request{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header.Clone(),
		Body:   body,
	}
	m := s.match(rec)
	rec.Matched = m != nil

	s.mu.Lock()
	s.journal = append(s.journal, rec)
	s.mu.Unlock()

	if m == nil {
		s.logger.Warn("Mock server request unmatched", "method", rec.Method, "path", rec.Path)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprintf(w, "mockserver: no mapping for %s %s\n", rec.Method, rec.Path)
		return
	}

	resp := m.Response
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-req.Context().Done():
			return
		}
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// MappingBuilder assembles a mapping; Reply registers it.
type MappingBuilder struct {
	server  *Server
	mapping *Mapping
	err     error
}

// Query requires the query parameter key to equal value.
func (b *MappingBuilder) Query(key, value string) *MappingBuilder {
	if b.mapping.Pattern.Query == nil {
		b.mapping.Pattern.Query = make(map[string]string)
	}
	b.mapping.Pattern.Query[key] = value
	return b
}

// Header requires the request header key to equal value.
func (b *MappingBuilder) Header(key, value string) *MappingBuilder {
	if b.mapping.Pattern.Headers == nil {
		b.mapping.Pattern.Headers = make(map[string]string)
	}
	b.mapping.Pattern.Headers[key] = value
	return b
}

// BodyJSON requires the body to equal expected, ignoring the given jq paths.
func (b *MappingBuilder) BodyJSON(expected any, ignore ...string) *MappingBuilder {
	b.mapping.Pattern.BodyJSON = expected
	b.mapping.Pattern.Ignore = ignore
	return b
}

// Where adds an expr predicate, e.g. `body.total > 10 && headers["x-tenant"] == "a"`.
func (b *MappingBuilder) Where(predicate string) *MappingBuilder {
	b.mapping.Pattern.When = predicate
	return b
}

// Status sets the response status.
func (b *MappingBuilder) Status(code int) *MappingBuilder {
	b.mapping.Response.Status = code
	return b
}

// ResponseHeader sets a response header.
func (b *MappingBuilder) ResponseHeader(key, value string) *MappingBuilder {
	if b.mapping.Response.Headers == nil {
		b.mapping.Response.Headers = make(map[string]string)
	}
	b.mapping.Response.Headers[key] = value
	return b
}

// Delay holds the response back for d.
func (b *MappingBuilder) Delay(d time.Duration) *MappingBuilder {
	b.mapping.Response.Delay = d
	return b
}

// Body sets a raw response body.
func (b *MappingBuilder) Body(body []byte) *MappingBuilder {
	b.mapping.Response.Body = body
	return b
}

// JSON sets v, JSON encoded, as the response body.
func (b *MappingBuilder) JSON(v any) *MappingBuilder {
	data, err := json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("mockserver: encode response for %s: %w", b.mapping.Pattern.String(), err)
		return b
	}
	b.mapping.Response.Body = data
	return b.ResponseHeader("Content-Type", "application/json")
}

// Reply registers the mapping.
func (b *MappingBuilder) Reply() error {
	if b.err != nil {
		return b.err
	}
	return b.server.Add(b.mapping)
}
