package rbac

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ontour.app/internal/cache"
)

//go:embed defaults.yaml
var defaultMatrix []byte

// RoleTable resolves the permission codes granted to a role. Unknown roles resolve to an empty
// set without error.
type RoleTable interface {
	PermissionsForRole(ctx context.Context, role string) ([]string, error)
}

type matrixFile struct {
	Roles map[string]struct {
		Inherits    []string `yaml:"inherits"`
		Permissions []string `yaml:"permissions"`
	} `yaml:"roles"`
}

// StaticTable is an in-memory role matrix.
type StaticTable struct {
	roles map[string][]string
}

var _ RoleTable = (*StaticTable)(nil)

// DefaultTable returns the built-in role matrix.
func DefaultTable() *StaticTable {
	t, err := LoadStaticTable(bytes.NewReader(defaultMatrix))
	if err != nil {
		panic(fmt.Sprintf("rbac: built-in role matrix is invalid: %v", err))
	}
	return t
}

// LoadStaticTable parses a YAML role matrix and flattens inheritance.
func LoadStaticTable(r io.Reader) (*StaticTable, error) {
	var file matrixFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("rbac: decode role matrix: %w", err)
	}
	if len(file.Roles) == 0 {
		return nil, errors.New("rbac: role matrix defines no roles")
	}

	raw := make(map[string][]string, len(file.Roles))
	parents := make(map[string][]string, len(file.Roles))
	for name, def := range file.Roles {
		name = normalizeRole(name)
		raw[name] = def.Permissions
		for _, p := range def.Inherits {
			parents[name] = append(parents[name], normalizeRole(p))
		}
	}

	resolved := make(map[string][]string, len(raw))
	for name := range raw {
		set := make(map[string]struct{})
		if err := flatten(name, raw, parents, set, map[string]bool{}); err != nil {
			return nil, err
		}
		resolved[name] = sortedKeys(set)
	}
	return &StaticTable{roles: resolved}, nil
}

func flatten(role string, raw, parents map[string][]string, into map[string]struct{}, visiting map[string]bool) error {
	if visiting[role] {
		return fmt.Errorf("rbac: role %q inherits itself", role)
	}
	perms, ok := raw[role]
	if !ok {
		return fmt.Errorf("rbac: unknown parent role %q", role)
	}
	visiting[role] = true
	defer delete(visiting, role)
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p != "" {
			into[p] = struct{}{}
		}
	}
	for _, parent := range parents[role] {
		if err := flatten(parent, raw, parents, into, visiting); err != nil {
			return err
		}
	}
	return nil
}

func (t *StaticTable) PermissionsForRole(_ context.Context, role string) ([]string, error) {
	perms := t.roles[normalizeRole(role)]
	out := make([]string, len(perms))
	copy(out, perms)
	return out, nil
}

// Roles lists the role names in the matrix.
func (t *StaticTable) Roles() []string {
	out := make([]string, 0, len(t.roles))
	for r := range t.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// CachedTable serves role lookups from a TTL cache in front of a slower table. A revoked
// permission stays effective until the cached entry expires.
type CachedTable struct {
	cache *cache.TTL[[]string]
}

var _ RoleTable = (*CachedTable)(nil)

// NewCachedTable wraps source with a cache of the given ttl.
func NewCachedTable(source RoleTable, ttl time.Duration, opts ...cache.Option) *CachedTable {
	opts = append([]cache.Option{cache.WithName("rbac.cache")}, opts...)
	return &CachedTable{
		cache: cache.New(func(ctx context.Context, role string) ([]string, error) {
			return source.PermissionsForRole(ctx, role)
		}, ttl, opts...),
	}
}

func (c *CachedTable) PermissionsForRole(ctx context.Context, role string) ([]string, error) {
	return c.cache.Get(ctx, normalizeRole(role))
}

// Invalidate drops the cached set for role.
func (c *CachedTable) Invalidate(role string) {
	c.cache.Invalidate(normalizeRole(role))
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
