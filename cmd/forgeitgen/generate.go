package main

import (
	"bytes"
	"fmt"
	"go/format"
	"go/token"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// contractFile is the YAML input of the generator.
type contractFile struct {
	Package    string         `yaml:"package"`
	ImportPath string         `yaml:"importPath"`
	Contracts  []contractDecl `yaml:"contracts"`
	// External lists contracts declared in other packages that local
	// contracts extend, with the capabilities they resolve to.
	External []externalDecl `yaml:"external"`
}

type externalDecl struct {
	Name         string   `yaml:"name"`
	Capabilities []string `yaml:"capabilities"`
}

type contractDecl struct {
	Name string `yaml:"name"`
	// Capabilities is a pointer so an explicit empty list can be told apart
	// from an omitted one.
	Capabilities *[]string `yaml:"capabilities"`
	Extends      []string  `yaml:"extends"`
}

const rootContract = "github.com/GoCodeAlone/forgeit.ForgeIT"

// builtins maps short capability aliases to their fully-qualified names.
var builtins = map[string]string{
	"kafka":      "github.com/GoCodeAlone/forgeit/kafka.KafkaSupport",
	"mockserver": "github.com/GoCodeAlone/forgeit/mockserver.MockServerSupport",
	"relational": "github.com/GoCodeAlone/forgeit/relational.RelationalSupport",
	"docstore":   "github.com/GoCodeAlone/forgeit/docstore.DocumentSupport",
	"nats":       "github.com/GoCodeAlone/forgeit/natsbus.NATSSupport",
	"apphttp":    "github.com/GoCodeAlone/forgeit/apphttp.AppHTTPSupport",
}

func loadContractFile(p string) (*contractFile, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	var f contractFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p, err)
	}
	return &f, nil
}

// qualified splits "import/path.Type" into its import path and type name.
func qualified(name string) (importPath, typeName string, ok bool) {
	slash := strings.LastIndex(name, "/")
	dot := strings.LastIndex(name, ".")
	if dot <= slash || dot == len(name)-1 {
		return "", "", false
	}
	return name[:dot], name[dot+1:], token.IsIdentifier(name[dot+1:])
}

// capabilityName expands a builtin alias and checks the result is a
// qualified type name.
func capabilityName(raw string) (string, bool) {
	name := strings.TrimSpace(raw)
	if full, ok := builtins[name]; ok {
		name = full
	}
	_, _, ok := qualified(name)
	return name, ok
}

type parentKind int

const (
	parentRoot parentKind = iota
	parentLocal
	parentExternal
	parentCapability
)

type mixin struct {
	Alias string
	Type  string
}

type contractView struct {
	Name       string
	Const      string
	FullName   string
	Caps       []string
	Parents    []string
	HasParents bool
	Mixins     []mixin
}

type fileView struct {
	Source    string
	Package   string
	Imports   []importSpec
	Contracts []contractView
}

type importSpec struct {
	Alias string
	Path  string
	Named bool
}

// imports hands out one alias per import path.
type imports struct {
	byPath map[string]string
	used   map[string]bool
}

func newImports(reserved ...string) *imports {
	im := &imports{byPath: map[string]string{}, used: map[string]bool{}}
	for _, r := range reserved {
		im.used[r] = true
	}
	return im
}

func (im *imports) alias(importPath string) string {
	if a, ok := im.byPath[importPath]; ok {
		return a
	}
	base := path.Base(importPath)
	base = strings.Map(func(r rune) rune {
		if r == '-' || r == '.' {
			return '_'
		}
		return r
	}, base)
	a := base
	for i := 2; im.used[a]; i++ {
		a = base + strconv.Itoa(i)
	}
	im.used[a] = true
	im.byPath[importPath] = a
	return a
}

func (im *imports) specs() []importSpec {
	out := make([]importSpec, 0, len(im.byPath))
	for p, a := range im.byPath {
		out = append(out, importSpec{Alias: a, Path: p, Named: a != path.Base(p)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// generate validates f and renders the Go source for it. source names the
// input in the generated header.
func generate(f *contractFile, source string) ([]byte, error) {
	if !token.IsIdentifier(f.Package) {
		return nil, fmt.Errorf("package %q is not a valid Go package name", f.Package)
	}
	if f.ImportPath == "" {
		return nil, fmt.Errorf("importPath is required")
	}
	if len(f.Contracts) == 0 {
		return nil, fmt.Errorf("no contracts declared")
	}

	local := make(map[string]contractDecl, len(f.Contracts))
	for _, c := range f.Contracts {
		if !token.IsIdentifier(c.Name) || !token.IsExported(c.Name) {
			return nil, fmt.Errorf("contract name %q must be an exported Go identifier", c.Name)
		}
		if _, dup := local[c.Name]; dup {
			return nil, fmt.Errorf("contract %s declared twice", c.Name)
		}
		local[c.Name] = c
	}

	external := make(map[string][]string, len(f.External))
	for _, e := range f.External {
		if _, _, ok := qualified(e.Name); !ok {
			return nil, fmt.Errorf("external contract %q must be a qualified name", e.Name)
		}
		if _, dup := external[e.Name]; dup {
			return nil, fmt.Errorf("external contract %s declared twice", e.Name)
		}
		caps := make([]string, 0, len(e.Capabilities))
		for _, raw := range e.Capabilities {
			name, ok := capabilityName(raw)
			if !ok {
				return nil, fmt.Errorf("external contract %s: unknown capability %q", e.Name, raw)
			}
			caps = append(caps, name)
		}
		external[e.Name] = caps
	}

	resolveCaps := func(c contractDecl) ([]string, error) {
		if c.Capabilities == nil {
			return nil, nil
		}
		if len(*c.Capabilities) == 0 {
			return nil, fmt.Errorf("contract %s: capabilities list is empty; omit it to declare none", c.Name)
		}
		var out []string
		for _, raw := range *c.Capabilities {
			name, ok := capabilityName(raw)
			if !ok {
				return nil, fmt.Errorf("contract %s: unknown capability %q", c.Name, raw)
			}
			out = append(out, name)
		}
		return out, nil
	}

	// classify tells what a parent of c names. A qualified parent that is
	// neither listed under external nor a *Support type is rejected, since
	// its capabilities cannot be known here.
	classify := func(c contractDecl, p string) (parentKind, string, error) {
		if _, ok := local[p]; ok {
			return parentLocal, p, nil
		}
		if p == "ForgeIT" || p == rootContract {
			return parentRoot, p, nil
		}
		if _, ok := external[p]; ok {
			return parentExternal, p, nil
		}
		name, ok := capabilityName(p)
		if !ok {
			return 0, "", fmt.Errorf("contract %s: unknown parent %q", c.Name, p)
		}
		if _, typeName, _ := qualified(name); !strings.HasSuffix(typeName, "Support") {
			return 0, "", fmt.Errorf("contract %s: parent contract %q is not declared in this file; list it under external with its capabilities", c.Name, p)
		}
		return parentCapability, name, nil
	}

	// Capabilities visible to each adapter: its own, those its parents name
	// directly, and those of local and external ancestors, in
	// first-discovery order.
	var collect func(name string, seen map[string]bool, visiting map[string]bool, out *[]string) error
	collect = func(name string, seen, visiting map[string]bool, out *[]string) error {
		if visiting[name] {
			return nil
		}
		visiting[name] = true
		add := func(caps ...string) {
			for _, cp := range caps {
				if !seen[cp] {
					seen[cp] = true
					*out = append(*out, cp)
				}
			}
		}
		c := local[name]
		caps, err := resolveCaps(c)
		if err != nil {
			return err
		}
		add(caps...)
		for _, p := range c.Extends {
			kind, resolved, err := classify(c, p)
			if err != nil {
				return err
			}
			switch kind {
			case parentLocal:
				if err := collect(resolved, seen, visiting, out); err != nil {
					return err
				}
			case parentExternal:
				add(external[resolved]...)
			case parentCapability:
				add(resolved)
			}
		}
		return nil
	}

	im := newImports("forgeit", "capability", "contract")
	view := fileView{Source: source, Package: f.Package}
	for _, c := range f.Contracts {
		caps, err := resolveCaps(c)
		if err != nil {
			return nil, err
		}
		cv := contractView{
			Name:     c.Name,
			Const:    c.Name + "Contract",
			FullName: f.ImportPath + "." + c.Name,
		}
		for _, cp := range caps {
			cv.Caps = append(cv.Caps, strconv.Quote(cp))
		}
		for _, p := range c.Extends {
			kind, resolved, err := classify(c, p)
			if err != nil {
				return nil, err
			}
			switch kind {
			case parentLocal:
				cv.Parents = append(cv.Parents, resolved+"Contract")
			case parentRoot:
				cv.Parents = append(cv.Parents, "forgeit.ForgeIT")
			default:
				cv.Parents = append(cv.Parents, strconv.Quote(resolved))
			}
		}
		cv.HasParents = len(cv.Parents) > 0

		var all []string
		if err := collect(c.Name, map[string]bool{}, map[string]bool{}, &all); err != nil {
			return nil, err
		}
		fields := make(map[string]string, len(all))
		for _, cp := range all {
			ip, typeName, _ := qualified(cp)
			if prev, clash := fields[typeName]; clash {
				return nil, fmt.Errorf("contract %s: capabilities %s and %s embed the same field name %s", c.Name, prev, cp, typeName)
			}
			fields[typeName] = cp
			cv.Mixins = append(cv.Mixins, mixin{Alias: im.alias(ip), Type: typeName})
		}
		view.Contracts = append(view.Contracts, cv)
	}
	view.Imports = im.specs()

	var buf bytes.Buffer
	if err := fileTemplate.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("format generated code: %w", err)
	}
	return src, nil
}

var fileTemplate = template.Must(template.New("contracts").Parse(`// Code generated by forgeitgen from {{.Source}}. DO NOT EDIT.

package {{.Package}}

import (
	"github.com/GoCodeAlone/forgeit"
	_ "github.com/GoCodeAlone/forgeit/bundle"
	"github.com/GoCodeAlone/forgeit/capability"
	"github.com/GoCodeAlone/forgeit/contract"
{{- range .Imports}}
	{{if .Named}}{{.Alias}} {{end}}"{{.Path}}"
{{- end}}
)

const (
{{- range .Contracts}}
	{{.Const}} = "{{.FullName}}"
{{- end}}
)

func init() {
{{- range .Contracts}}
	capability.Declare(capability.Contract({{.Const}}, []string{ {{- range $i, $c := .Caps}}{{if $i}}, {{end}}{{$c}}{{end -}} }{{if .HasParents}}, {{range $i, $p := .Parents}}{{if $i}}, {{end}}{{$p}}{{end}}{{end}}))
{{- end}}
}
{{range .Contracts}}
// {{.Name}} is the typed adapter of the {{.Name}} contract.
type {{.Name}} struct {
	*contract.Handle
{{- range .Mixins}}
	{{.Alias}}.{{.Type}}
{{- end}}
}

// New{{.Name}} returns the {{.Name}} adapter of the session.
func New{{.Name}}(s *forgeit.Session) ({{.Name}}, error) {
	return forgeit.Adapter(s, {{.Const}}, func(h *contract.Handle) {{.Name}} {
		return {{.Name}}{
			Handle: h,
{{- range .Mixins}}
			{{.Type}}: {{.Alias}}.{{.Type}}{Scoped: h},
{{- end}}
		}
	})
}
{{end}}`))
