package mockserver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type stubFile struct {
	Request  stubRequest  `yaml:"request"`
	Response stubResponse `yaml:"response"`
	Mappings []stubDoc    `yaml:"mappings"`
}

type stubRequest struct {
	Method   string            `yaml:"method"`
	Path     string            `yaml:"path"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
	BodyJSON any               `yaml:"bodyJson"`
	Ignore   []string          `yaml:"ignore"`
	When     string            `yaml:"when"`
}

type stubResponse struct {
	Status  int               `yaml:"status"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
	JSON    any               `yaml:"json"`
	Delay   string            `yaml:"delay"`
}

type stubDoc struct {
	Request  stubRequest  `yaml:"request"`
	Response stubResponse `yaml:"response"`
}

func (d *stubDoc) empty() bool {
	return d.Request.Method == "" && d.Request.Path == "" && d.Request.When == "" && d.Response.Status == 0
}

func (d *stubDoc) mapping(source string) (*Mapping, error) {
	m := &Mapping{
		Source: source,
		Pattern: RequestPattern{
			Method:   d.Request.Method,
			Path:     d.Request.Path,
			Query:    d.Request.Query,
			Headers:  d.Request.Headers,
			BodyJSON: d.Request.BodyJSON,
			Ignore:   d.Request.Ignore,
			When:     d.Request.When,
		},
		Response: Response{
			Status:  d.Response.Status,
			Headers: d.Response.Headers,
			Body:    []byte(d.Response.Body),
		},
	}
	if d.Response.JSON != nil {
		data, err := json.Marshal(d.Response.JSON)
		if err != nil {
			return nil, fmt.Errorf("response json: %w", err)
		}
		m.Response.Body = data
		if m.Response.Headers == nil {
			m.Response.Headers = map[string]string{}
		}
		if _, ok := m.Response.Headers["Content-Type"]; !ok {
			m.Response.Headers["Content-Type"] = "application/json"
		}
	}
	if d.Response.Delay != "" {
		delay, err := time.ParseDuration(d.Response.Delay)
		if err != nil {
			return nil, fmt.Errorf("response delay: %w", err)
		}
		m.Response.Delay = delay
	}
	return m, nil
}

func isStubFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func stubFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && isStubFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadStubs reads every .json, .yaml and .yml file of dir. A file holds one
// mapping (request/response) or a mappings list.
func LoadStubs(dir string) ([]*Mapping, error) {
	files, err := stubFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("mockserver: read stub dir %s: %w", dir, err)
	}
	var out []*Mapping
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("mockserver: read stub %s: %w", path, err)
		}
		var f stubFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("mockserver: parse stub %s: %w", path, err)
		}
		docs := f.Mappings
		if single := (stubDoc{Request: f.Request, Response: f.Response}); !single.empty() {
			docs = append([]stubDoc{single}, docs...)
		}
		for i := range docs {
			m, err := docs[i].mapping(filepath.Base(path))
			if err != nil {
				return nil, fmt.Errorf("mockserver: stub %s: %w", path, err)
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// hashStubs fingerprints the stub files of dir.
func hashStubs(dir string) (string, error) {
	files, err := stubFiles(dir)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%d\x00", filepath.Base(path), len(data))
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
