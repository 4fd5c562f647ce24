package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() *Spec {
	return &Spec{
		ACL: map[string][]string{
			"admins":  {"alice"},
			"clients": {"bob", "+admins"},
			"workers": {"wendy", "+admins"},
		},
		Method2ACL: map[string]any{
			"foo.*":   "clients",
			"bar.baz": []any{"admins", "workers"},
		},
		Backend2ACL: map[string]any{
			"backend.*": "workers",
		},
		BackendFilter: map[string]string{
			"backend.route": "region",
		},
		Methods: map[string]any{
			"foo.add":  "backend.",
			"foo.echo": map[string]any{"backend": "backend.echo", "doc": "echo the params back"},
			"bar.baz":  "backend.bazzer",
		},
	}
}

func TestParseResolvesInclusions(t *testing.T) {
	policy, err := Parse(testSpec())
	require.NoError(t, err)

	// +admins pulls alice into both clients and workers.
	assert.True(t, policy.CheckACL([]string{"clients"}, "alice"))
	assert.True(t, policy.CheckACL([]string{"workers"}, "alice"))
	assert.True(t, policy.CheckACL([]string{"clients"}, "bob"))
	assert.False(t, policy.CheckACL([]string{"workers"}, "bob"))
}

func TestCheckACLPublic(t *testing.T) {
	policy, err := Parse(testSpec())
	require.NoError(t, err)

	// public admits everyone, including principals no ACL names.
	assert.True(t, policy.CheckACL([]string{"public"}, "stranger"))
	assert.True(t, policy.CheckACL([]string{"admins", "public"}, "stranger"))
	assert.False(t, policy.CheckACL([]string{"admins"}, "stranger"))
}

func TestParseRejectsUnknownInclusion(t *testing.T) {
	spec := testSpec()
	spec.ACL["broken"] = []string{"+nosuch"}

	_, err := Parse(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown acl")
}

func TestParseRejectsCycle(t *testing.T) {
	spec := testSpec()
	spec.ACL["a"] = []string{"+b"}
	spec.ACL["b"] = []string{"+a"}

	_, err := Parse(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestParseRejectsDeepInclusion(t *testing.T) {
	spec := &Spec{ACL: map[string][]string{"acl0": {"alice"}}}

	for i := 1; i <= 12; i++ {
		spec.ACL[fmt.Sprintf("acl%d", i)] = []string{fmt.Sprintf("+acl%d", i-1)}
	}

	_, err := Parse(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth")
}

func TestParseRejectsUnknownACLReference(t *testing.T) {
	spec := testSpec()
	spec.Method2ACL["boom.*"] = "ghosts"

	_, err := Parse(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghosts")
}

func TestParseCollectsAllProblems(t *testing.T) {
	spec := testSpec()
	spec.Method2ACL["boom.*"] = "ghosts"
	spec.Backend2ACL["boom.*"] = "ghouls"

	_, err := Parse(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghosts")
	assert.Contains(t, err.Error(), "ghouls")
}

func TestPublicReferenceAlwaysExists(t *testing.T) {
	spec := testSpec()
	spec.Method2ACL["open.*"] = "public"

	_, err := Parse(spec)
	assert.NoError(t, err)
}

func TestMethodACLWildcard(t *testing.T) {
	policy, err := Parse(testSpec())
	require.NoError(t, err)

	// Exact entry wins over the namespace wildcard.
	names, ok := policy.MethodACL("bar.baz")
	assert.True(t, ok)
	assert.Equal(t, []string{"admins", "workers"}, names)

	names, ok = policy.MethodACL("foo.anything")
	assert.True(t, ok)
	assert.Equal(t, []string{"clients"}, names)

	_, ok = policy.MethodACL("quux.nope")
	assert.False(t, ok)
}

func TestBackendACLAndFilterKey(t *testing.T) {
	policy, err := Parse(testSpec())
	require.NoError(t, err)

	names, ok := policy.BackendACL("backend.add")
	assert.True(t, ok)
	assert.Equal(t, []string{"workers"}, names)

	key, ok := policy.FilterKey("backend.route")
	assert.True(t, ok)
	assert.Equal(t, "region", key)

	_, ok = policy.FilterKey("backend.add")
	assert.False(t, ok)
}

func TestMethodTableShorthand(t *testing.T) {
	policy, err := Parse(testSpec())
	require.NoError(t, err)

	// "backend." expands with the short method name appended.
	assert.Equal(t, "backend.add", policy.Method("foo.add").Backend)

	// A full backend name passes through untouched.
	assert.Equal(t, "backend.bazzer", policy.Method("bar.baz").Backend)

	method := policy.Method("foo.echo")
	require.NotNil(t, method)
	assert.Equal(t, "backend.echo", method.Backend)
	assert.Equal(t, "echo the params back", method.Doc)

	assert.Nil(t, policy.Method("foo.none"))
}

func TestMethodRecordWithoutBackend(t *testing.T) {
	spec := testSpec()
	spec.Methods["bad.method"] = map[string]any{"doc": "no backend here"}

	_, err := Parse(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing backend")
}

func TestCallCounter(t *testing.T) {
	policy, err := Parse(testSpec())
	require.NoError(t, err)

	method := policy.Method("foo.add")
	assert.EqualValues(t, 0, method.Calls())

	method.CountCall()
	method.CountCall()
	assert.EqualValues(t, 2, method.Calls())
}

func TestMethodsSorted(t *testing.T) {
	policy, err := Parse(testSpec())
	require.NoError(t, err)

	methods := policy.Methods()
	require.Len(t, methods, 3)
	assert.Equal(t, "bar.baz", methods[0].Name)
	assert.Equal(t, "foo.add", methods[1].Name)
	assert.Equal(t, "foo.echo", methods[2].Name)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yml")

	file := `
acl:
  admins: [alice]
  clients: [bob, +admins]
method2acl:
  "foo.*": clients
backend2acl:
  "backend.*": admins
backendfilter:
  "backend.route": region
methods:
  "foo.add": "backend."
  "foo.route":
    backend: backend.route
    doc: routed by region
`
	require.NoError(t, os.WriteFile(path, []byte(file), 0644))

	policy, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "backend.add", policy.Method("foo.add").Backend)
	assert.Equal(t, "routed by region", policy.Method("foo.route").Doc)
	assert.True(t, policy.CheckACL([]string{"clients"}, "alice"))

	key, ok := policy.FilterKey("backend.route")
	assert.True(t, ok)
	assert.Equal(t, "region", key)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
