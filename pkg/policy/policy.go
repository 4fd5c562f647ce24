package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/theapemachine/rpcswitch-go/pkg/errors"
)

// PublicACL is the distinguished ACL every principal belongs to, known or not.
const PublicACL = "public"

// maxInclusionDepth caps transitive +name expansion. Deeper nests (and by
// extension cycles that slip past detection) fail the load.
const maxInclusionDepth = 10

/*
Spec is the raw shape of a policy file. ACL values may reference other ACLs
with a "+name" entry; method2acl and backend2acl values are a single ACL name
or a list; methods values are either a backend name (shorthand) or a record
with backend and doc.
*/
type Spec struct {
	ACL           map[string][]string `yaml:"acl"`
	Method2ACL    map[string]any      `yaml:"method2acl"`
	Backend2ACL   map[string]any      `yaml:"backend2acl"`
	BackendFilter map[string]string   `yaml:"backendfilter"`
	Methods       map[string]any      `yaml:"methods"`
}

/*
Method is one entry of the method table: the public name clients call, the
backend workers announce, and a call counter read by the stats methods.
*/
type Method struct {
	Name    string
	Backend string
	Doc     string

	calls atomic.Uint64
}

// CountCall bumps the dispatch counter. Safe without the broker lock.
func (m *Method) CountCall() {
	m.calls.Add(1)
}

// Calls reports how many times the method has been dispatched.
func (m *Method) Calls() uint64 {
	return m.calls.Load()
}

/*
Policy is an immutable snapshot of the access-control configuration. The
switch swaps whole snapshots on reload, so everything here is read-only after
Parse and safe to share between goroutines. Only the per-method call counters
mutate, and those are atomic.
*/
type Policy struct {
	acl           map[string]map[string]struct{}
	who2acl       map[string]map[string]struct{}
	method2acl    map[string][]string
	backend2acl   map[string][]string
	backendfilter map[string]string
	methods       map[string]*Method
}

// Load reads and parses a policy file into a fresh snapshot.
func Load(path string) (*Policy, error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var spec Spec
	if err := yaml.Unmarshal(buf, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	return Parse(&spec)
}

/*
Parse resolves a Spec into a Policy. All validation problems are collected
and reported together so a broken file is fixable in one pass.
*/
func Parse(spec *Spec) (*Policy, error) {
	var problems []any

	policy := &Policy{
		acl:           make(map[string]map[string]struct{}),
		who2acl:       make(map[string]map[string]struct{}),
		method2acl:    make(map[string][]string),
		backend2acl:   make(map[string][]string),
		backendfilter: make(map[string]string),
		methods:       make(map[string]*Method),
	}

	for name := range spec.ACL {
		members, err := resolveACL(spec.ACL, name, map[string]bool{}, 0)

		if err != nil {
			problems = append(problems, err)
			continue
		}

		policy.acl[name] = members
	}

	// Invert acl into who2acl; every known user belongs to public as well.
	for name, members := range policy.acl {
		for who := range members {
			set, ok := policy.who2acl[who]

			if !ok {
				set = map[string]struct{}{PublicACL: {}}
				policy.who2acl[who] = set
			}

			set[name] = struct{}{}
		}
	}

	for key, value := range spec.Method2ACL {
		names, err := stringList(value)

		if err != nil {
			problems = append(problems, fmt.Errorf("method2acl %q: %w", key, err))
			continue
		}

		problems = append(problems, policy.checkACLNames("method2acl", key, names)...)
		policy.method2acl[key] = names
	}

	for key, value := range spec.Backend2ACL {
		names, err := stringList(value)

		if err != nil {
			problems = append(problems, fmt.Errorf("backend2acl %q: %w", key, err))
			continue
		}

		problems = append(problems, policy.checkACLNames("backend2acl", key, names)...)
		policy.backend2acl[key] = names
	}

	for key, value := range spec.BackendFilter {
		policy.backendfilter[key] = value
	}

	for name, value := range spec.Methods {
		method, err := parseMethod(name, value)

		if err != nil {
			problems = append(problems, err)
			continue
		}

		policy.methods[name] = method
	}

	if len(problems) > 0 {
		return nil, errors.NewError(problems...)
	}

	return policy, nil
}

/*
resolveACL expands one ACL into its user set, following +name inclusions
transitively. Unknown references and cycles are errors, and expansion deeper
than maxInclusionDepth fails even without a cycle.
*/
func resolveACL(spec map[string][]string, name string, visiting map[string]bool, depth int) (map[string]struct{}, error) {
	if depth > maxInclusionDepth {
		return nil, fmt.Errorf("acl %q: inclusion depth exceeds %d", name, maxInclusionDepth)
	}

	if visiting[name] {
		return nil, fmt.Errorf("acl %q: inclusion cycle", name)
	}

	visiting[name] = true
	defer delete(visiting, name)

	members := make(map[string]struct{})

	for _, entry := range spec[name] {
		included, ok := strings.CutPrefix(entry, "+")

		if !ok {
			members[entry] = struct{}{}
			continue
		}

		if _, exists := spec[included]; !exists {
			return nil, fmt.Errorf("acl %q: includes unknown acl %q", name, included)
		}

		sub, err := resolveACL(spec, included, visiting, depth+1)

		if err != nil {
			return nil, err
		}

		for who := range sub {
			members[who] = struct{}{}
		}
	}

	return members, nil
}

// checkACLNames verifies every referenced ACL exists; public always does.
func (policy *Policy) checkACLNames(table, key string, names []string) (problems []any) {
	for _, name := range names {
		if name == PublicACL {
			continue
		}

		if _, ok := policy.acl[name]; !ok {
			problems = append(problems, fmt.Errorf("%s %q: references unknown acl %q", table, key, name))
		}
	}

	return problems
}

func stringList(value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		names := make([]string, 0, len(v))

		for _, item := range v {
			name, ok := item.(string)

			if !ok {
				return nil, fmt.Errorf("expected acl name, got %T", item)
			}

			names = append(names, name)
		}

		return names, nil
	default:
		return nil, fmt.Errorf("expected acl name or list, got %T", value)
	}
}

/*
parseMethod normalizes one method-table entry. A plain string is shorthand
for the backend name; when it ends in "." the short method name is appended,
so "foo.bar" with backend "b." resolves to "b.bar".
*/
func parseMethod(name string, value any) (*Method, error) {
	method := &Method{Name: name}

	switch v := value.(type) {
	case string:
		method.Backend = expandBackend(name, v)
	case map[string]any:
		backend, ok := v["backend"].(string)

		if !ok || backend == "" {
			return nil, fmt.Errorf("method %q: missing backend", name)
		}

		method.Backend = expandBackend(name, backend)

		if doc, ok := v["doc"].(string); ok {
			method.Doc = doc
		}
	default:
		return nil, fmt.Errorf("method %q: expected backend name or record, got %T", name, value)
	}

	return method, nil
}

func expandBackend(method, backend string) string {
	if !strings.HasSuffix(backend, ".") {
		return backend
	}

	name := method
	if _, short, ok := strings.Cut(method, "."); ok {
		name = short
	}

	return backend + name
}

// Method looks up the method table entry for a public method name.
func (policy *Policy) Method(name string) *Method {
	return policy.methods[name]
}

// Methods returns the method table sorted by name for introspection.
func (policy *Policy) Methods() []*Method {
	methods := make([]*Method, 0, len(policy.methods))

	for _, method := range policy.methods {
		methods = append(methods, method)
	}

	sort.Slice(methods, func(i, j int) bool {
		return methods[i].Name < methods[j].Name
	})

	return methods
}

/*
MethodACL resolves the ACL names governing calls to a method: an exact entry
wins, otherwise the "ns.*" wildcard applies.
*/
func (policy *Policy) MethodACL(method string) ([]string, bool) {
	return lookupWild(policy.method2acl, method)
}

// BackendACL resolves the ACL names governing announcement of a backend.
func (policy *Policy) BackendACL(backend string) ([]string, bool) {
	return lookupWild(policy.backend2acl, backend)
}

/*
FilterKey reports the parameter name used to bucket workers for a backend,
using the same exact-then-wildcard discipline as the ACL tables.
*/
func (policy *Policy) FilterKey(backend string) (string, bool) {
	return lookupWild(policy.backendfilter, backend)
}

/*
CheckACL reports whether who belongs to any of the named ACLs. Unknown users
still belong to public, so a public entry admits everyone.
*/
func (policy *Policy) CheckACL(names []string, who string) bool {
	for _, name := range names {
		if name == PublicACL {
			return true
		}

		if set, ok := policy.who2acl[who]; ok {
			if _, ok := set[name]; ok {
				return true
			}
		}
	}

	return false
}

func lookupWild[V any](table map[string]V, name string) (V, bool) {
	if value, ok := table[name]; ok {
		return value, true
	}

	if ns, _, ok := strings.Cut(name, "."); ok {
		if value, ok := table[ns+".*"]; ok {
			return value, true
		}
	}

	var zero V
	return zero, false
}
