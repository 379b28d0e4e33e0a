package main

import (
	"bytes"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const ordersContracts = `
package: orders_test
importPath: example.com/shop/orders
contracts:
  - name: BaseIT
    capabilities: [relational]
  - name: OrdersIT
    capabilities: [kafka, mockserver, relational]
    extends: [BaseIT]
  - name: AuditIT
    capabilities: [example.com/shop/audit-log.AuditSupport]
    extends: [OrdersIT, example.com/shared.PlatformIT]
external:
  - name: example.com/shared.PlatformIT
    capabilities: [nats]
`

func parseContracts(t *testing.T, src string) *contractFile {
	t.Helper()
	var f contractFile
	require.NoError(t, yaml.Unmarshal([]byte(src), &f))
	return &f
}

func TestGenerateAdapters(t *testing.T) {
	src, err := generate(parseContracts(t, ordersContracts), "contracts.yaml")
	require.NoError(t, err)

	_, err = parser.ParseFile(token.NewFileSet(), "contracts_forgeit.go", src, parser.AllErrors)
	require.NoError(t, err, string(src))

	code := string(src)
	assert.True(t, strings.HasPrefix(code, "// Code generated by forgeitgen from contracts.yaml. DO NOT EDIT."))
	assert.Contains(t, code, "package orders_test")
	assert.Contains(t, code, `OrdersITContract = "example.com/shop/orders.OrdersIT"`)
	assert.Contains(t, code, `capability.Declare(capability.Contract(BaseITContract, []string{"github.com/GoCodeAlone/forgeit/relational.RelationalSupport"}))`)
	assert.Contains(t, code, `capability.Contract(AuditITContract, []string{"example.com/shop/audit-log.AuditSupport"}, OrdersITContract, "example.com/shared.PlatformIT")`)
	assert.Contains(t, code, `audit_log "example.com/shop/audit-log"`)
	assert.Contains(t, code, "\tkafka.KafkaSupport\n")
	assert.Regexp(t, `MockServerSupport:\s+mockserver\.MockServerSupport\{Scoped: h\},`, code)
	assert.Contains(t, code, "func NewAuditIT(s *forgeit.Session) (AuditIT, error)")

	// AuditIT inherits the mixins of its local ancestors, each once.
	start := strings.Index(code, "type AuditIT struct")
	end := strings.Index(code[start:], "}")
	body := code[start : start+end]
	assert.Equal(t, 1, strings.Count(body, "relational.RelationalSupport"))
	assert.Contains(t, body, "audit_log.AuditSupport")
	assert.Contains(t, body, "kafka.KafkaSupport")
	assert.Contains(t, body, "natsbus.NATSSupport")
}

func TestGenerateMixesInCapabilityParents(t *testing.T) {
	src, err := generate(parseContracts(t, `
package: it
importPath: example.com/it
contracts:
  - name: DirectIT
    extends: [ForgeIT, github.com/GoCodeAlone/forgeit/kafka.KafkaSupport, docstore]
`), "direct.yaml")
	require.NoError(t, err)
	_, err = parser.ParseFile(token.NewFileSet(), "direct_forgeit.go", src, parser.AllErrors)
	require.NoError(t, err, string(src))

	code := string(src)
	assert.Contains(t, code, `capability.Contract(DirectITContract, []string{}, forgeit.ForgeIT, "github.com/GoCodeAlone/forgeit/kafka.KafkaSupport", "github.com/GoCodeAlone/forgeit/docstore.DocumentSupport")`)
	assert.Contains(t, code, "\tkafka.KafkaSupport\n")
	assert.Contains(t, code, "\tdocstore.DocumentSupport\n")
	assert.Regexp(t, `KafkaSupport:\s+kafka\.KafkaSupport\{Scoped: h\},`, code)
}

func TestGenerateRejectsUndeclaredExternalContract(t *testing.T) {
	_, err := generate(parseContracts(t, `
package: it
importPath: example.com/it
contracts:
  - name: AuditIT
    extends: [example.com/shared.PlatformIT]
`), "audit.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `parent contract "example.com/shared.PlatformIT" is not declared in this file`)
}

func TestGenerateContractWithoutCapabilities(t *testing.T) {
	src, err := generate(parseContracts(t, `
package: it
importPath: example.com/it
contracts:
  - name: SmokeIT
`), "smoke.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(src), "capability.Contract(SmokeITContract, []string{}))")
}

func TestGenerateRejectsInvalidDeclarations(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "explicit empty capability list",
			yaml: "package: it\nimportPath: example.com/it\ncontracts:\n  - name: EmptyIT\n    capabilities: []\n",
			want: "capabilities list is empty",
		},
		{
			name: "unknown alias",
			yaml: "package: it\nimportPath: example.com/it\ncontracts:\n  - name: BadIT\n    capabilities: [ldap]\n",
			want: `unknown capability "ldap"`,
		},
		{
			name: "unexported contract",
			yaml: "package: it\nimportPath: example.com/it\ncontracts:\n  - name: lowerIT\n",
			want: "must be an exported Go identifier",
		},
		{
			name: "duplicate contract",
			yaml: "package: it\nimportPath: example.com/it\ncontracts:\n  - name: AIT\n  - name: AIT\n",
			want: "declared twice",
		},
		{
			name: "missing import path",
			yaml: "package: it\ncontracts:\n  - name: AIT\n",
			want: "importPath is required",
		},
		{
			name: "bad package",
			yaml: "package: my-tests\nimportPath: example.com/it\ncontracts:\n  - name: AIT\n",
			want: "not a valid Go package name",
		},
		{
			name: "unknown parent",
			yaml: "package: it\nimportPath: example.com/it\ncontracts:\n  - name: AIT\n    extends: [Missing]\n",
			want: `unknown parent "Missing"`,
		},
		{
			name: "bad external capability",
			yaml: "package: it\nimportPath: example.com/it\ncontracts:\n  - name: AIT\nexternal:\n  - name: example.com/x.XIT\n    capabilities: [ldap]\n",
			want: `external contract example.com/x.XIT: unknown capability "ldap"`,
		},
		{
			name: "mixin field clash",
			yaml: "package: it\nimportPath: example.com/it\ncontracts:\n  - name: AIT\n    capabilities: [example.com/a.Support, example.com/b.Support]\n",
			want: "embed the same field name Support",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := generate(parseContracts(t, tt.yaml), "in.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunWritesOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "contracts.yaml")
	require.NoError(t, os.WriteFile(in, []byte(ordersContracts), 0o600))

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"-package", "orders", in}, &stdout, &stderr))

	out := filepath.Join(dir, "contracts_forgeit.go")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "package orders\n")
	assert.Contains(t, stdout.String(), "create  "+out+" (3 contracts)")
}

func TestRunRequiresInput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(nil, &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "Usage:")
}
