package apphttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/GoCodeAlone/forgeit/bridge"
	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/forgeit/host"
	"github.com/GoCodeAlone/forgeit/install"
	"github.com/GoCodeAlone/modular"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// usersApp is a small application under test.
func usersApp() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, user{ID: r.PathValue("id"), Name: "Ada", Role: "admin", CreatedAt: "2026-10-19T10:00:00Z"})
	})
	mux.HandleFunc("POST /users", func(w http.ResponseWriter, r *http.Request) {
		var u user
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		u.ID = "u-1"
		writeJSON(w, http.StatusCreated, u)
	})
	mux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"query": r.URL.Query(), "auth": r.Header.Get("Authorization")})
	})
	return mux
}

var (
	getUser    = Endpoint[user, user]{Method: http.MethodGet, Path: "/users/{id}"}
	createUser = Endpoint[user, user]{
		Method:   http.MethodPost,
		Path:     "/users",
		Defaults: &Defaults{Request: "user.json", Response: "created.json", Status: http.StatusCreated},
	}
	search = Endpoint[any, map[string]any]{Method: http.MethodGet, Path: "/search"}
)

func fixtures() Fixtures {
	return Fixtures{
		Request: fstest.MapFS{
			"grace.json": {Data: []byte(`{"name": "Grace", "role": "user"}`)},
		},
		Response: fstest.MapFS{
			"ada.json":   {Data: []byte(`{"id": "42", "name": "Ada", "role": "admin", "createdAt": "ignored"}`)},
			"grace.json": {Data: []byte(`{"id": "u-1", "name": "Grace", "role": "user"}`)},
		},
		DefaultRequest: fstest.MapFS{
			"user.json": {Data: []byte(`{"name": "Default", "role": "user"}`)},
		},
		DefaultResponse: fstest.MapFS{
			"created.json": {Data: []byte(`{"id": "u-1", "name": "Default", "role": "user"}`)},
		},
	}
}

func newTestClient(token string) *Client {
	return NewHandlerClient(usersApp(), Options{
		Fixtures:     fixtures(),
		DefaultToken: token,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestCallWithPathParamsAndResponseFixture(t *testing.T) {
	c := newTestClient("Bearer good")
	ctx := context.Background()

	res, err := Ping(c, getUser).
		WithPathParams(PathParams{"id": 42}).
		ExpectStatus(http.StatusOK).
		ExpectResponse("ada.json", ".createdAt").
		ExpectPath(".role", "admin").
		Do(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)

	u, err := Ping(c, getUser).WithPathParams(PathParams{"id": "a b"}).Decode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a b", u.ID)
}

func TestCallReportsFailedExpectations(t *testing.T) {
	c := newTestClient("")
	res, err := Ping(c, getUser).
		WithPathParams(PathParams{"id": 42}).
		ExpectStatus(http.StatusOK).
		ExpectPath(".error", "forbidden").
		Do(context.Background())
	require.ErrorIs(t, err, ErrExpectation)
	assert.Contains(t, err.Error(), "status 401, want 200")
	assert.Contains(t, err.Error(), "path .error")
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
}

func TestPathParamsAreRequired(t *testing.T) {
	c := newTestClient("")
	_, err := Ping(c, getUser).Do(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path parameters are required")

	_, err = Ping(c, getUser).WithPathParams(PathParams{"other": 1}).Do(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not all placeholders")
	assert.Empty(t, c.Journal())
}

func TestQueryParamsAndTokens(t *testing.T) {
	c := newTestClient("Bearer default")
	ctx := context.Background()

	got, err := Ping(c, search).
		WithQueryParams(QueryParams{"tag": []string{"a", "b"}, "page": 2, "skip": nil}).
		Decode(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tag": []any{"a", "b"}, "page": []any{"2"}}, got["query"])
	assert.Equal(t, "Bearer default", got["auth"])

	got, err = Ping(c, search).Token("").Decode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", got["auth"])

	got, err = Ping(c, search).Token("Bearer mine").Decode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer mine", got["auth"])

	assert.Equal(t, "page=2&tag=a&tag=b", EncodeQuery(QueryParams{"tag": []string{"a", "b"}, "page": 2}))
}

func TestEndpointDefaults(t *testing.T) {
	c := newTestClient("")
	ctx := context.Background()

	_, err := Ping(c, createUser).Do(ctx)
	require.NoError(t, err)

	_, err = Ping(c, createUser).
		MutateDefaults(func(u *user) { u.Name = "Mutated" }, func(u *user) { u.Name = "Mutated" }).
		Do(ctx)
	require.NoError(t, err)

	_, err = Ping(c, createUser).
		WithRequest("grace.json").
		ExpectResponse("grace.json").
		Do(ctx)
	require.NoError(t, err)

	_, err = Ping(c, createUser).
		WithRequest("grace.json", func(u *user) { u.Role = "admin" }).
		ExpectResponseWith("grace.json", func(u *user) { u.Role = "admin" }).
		Do(ctx)
	require.NoError(t, err)

	_, err = Ping(c, createUser).ExpectStatus(http.StatusOK).Do(ctx)
	require.ErrorIs(t, err, ErrExpectation)
}

func TestMissingFixture(t *testing.T) {
	c := NewHandlerClient(usersApp(), Options{})
	_, err := Ping(c, createUser).WithRequest("grace.json").Do(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no request fixture directory")
}

func TestJournalAndReset(t *testing.T) {
	c := newTestClient("Bearer good")
	ctx := context.Background()
	_, err := Ping(c, getUser).WithPathParams(PathParams{"id": 1}).Do(ctx)
	require.NoError(t, err)
	_, err = Ping(c, createUser).Do(ctx)
	require.NoError(t, err)

	journal := c.Journal()
	require.Len(t, journal, 2)
	assert.Equal(t, "/users/1", journal[0].Path)
	assert.Equal(t, http.StatusCreated, journal[1].Status)
	assert.JSONEq(t, `{"name": "Default", "role": "user"}`, string(journal[1].RequestBody))

	c.Reset()
	assert.Empty(t, c.Journal())
}

func TestRemoteClient(t *testing.T) {
	srv := httptest.NewServer(usersApp())
	defer srv.Close()

	c := NewRemoteClient(srv.URL+"/", srv.Client(), Options{DefaultToken: "Bearer good"})
	u, err := Ping(c, getUser).WithPathParams(PathParams{"id": 7}).Decode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "7", u.ID)
}

const userSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"id":   { "type": "string", "minLength": 1 },
		"name": { "type": "string" },
		"role": { "enum": ["admin", "user"] }
	},
	"required": ["id", "name", "role"]
}`

const contactSchema = `{
	"type": "object",
	"required": ["email"]
}`

func TestExpectSchema(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user.schema.json"), []byte(userSchema), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contact.schema.json"), []byte(contactSchema), 0o600))
	c := NewHandlerClient(usersApp(), Options{DefaultToken: "Bearer good", SchemaDir: dir})
	ctx := context.Background()

	_, err := Ping(c, getUser).
		WithPathParams(PathParams{"id": 3}).
		ExpectSchema("user.schema.json").
		Do(ctx)
	require.NoError(t, err)

	_, err = Ping(c, getUser).
		WithPathParams(PathParams{"id": 3}).
		ExpectSchema(filepath.Join(dir, "contact.schema.json")).
		Do(ctx)
	require.ErrorIs(t, err, ErrExpectation)
	assert.Contains(t, err.Error(), "schema")

	_, err = Ping(c, getUser).
		WithPathParams(PathParams{"id": 3}).
		ExpectSchema("missing.schema.json").
		Do(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExpectation)
	assert.Contains(t, err.Error(), "compile schema")
	require.Len(t, c.Journal(), 2)
}

type adapter struct {
	AppHTTPSupport
}

func newContainer(props map[string]any) *host.Container {
	app := modular.NewStdApplication(modular.NewStdConfigProvider(nil), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return host.NewContainer(app, config.NewEnvironment(props))
}

func TestInstallerLifecycle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ada.json"), []byte(`{"id": "1", "name": "Ada", "role": "admin"}`), 0o600))
	c := newContainer(map[string]any{
		"forgeit.modules.apphttp.default-token": "Bearer good",
		"forgeit.modules.apphttp.path.response": dir,
	})
	ctx := context.Background()
	inst := &Installer{Handler: usersApp()}

	require.NoError(t, inst.Install(ctx, install.NewContext(c)))
	require.NoError(t, inst.Install(ctx, install.NewContext(c)))

	a := adapter{AppHTTPSupport{Scoped: c}}
	_, err := a.AppHTTP()
	require.ErrorIs(t, err, bridge.ErrNotInitialized)

	require.NoError(t, c.Start(ctx))
	client, err := a.AppHTTP()
	require.NoError(t, err)
	_, err = Ping(client, getUser).
		WithPathParams(PathParams{"id": 1}).
		ExpectResponse("ada.json", ".createdAt").
		Do(ctx)
	require.NoError(t, err)
	require.Len(t, client.Journal(), 1)

	require.NoError(t, c.Reset(ctx))
	assert.Empty(t, client.Journal())

	require.NoError(t, c.Stop(ctx))
	_, err = a.AppHTTP()
	require.ErrorIs(t, err, bridge.ErrShutdown)
}

func TestInstallerNeedsAnApplication(t *testing.T) {
	c := newContainer(nil)
	err := (&Installer{}).Install(context.Background(), install.NewContext(c))
	require.ErrorIs(t, err, ErrNoApplication)

	SetApplication(usersApp())
	t.Cleanup(func() { SetApplication(nil) })
	require.NoError(t, (&Installer{}).Install(context.Background(), install.NewContext(newContainer(nil))))
}
