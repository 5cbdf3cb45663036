package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Wildcard grants every action on a resource.
const Wildcard = "*"

// ActionSet is the set of actions granted on one resource.
type ActionSet map[string]struct{}

func NewActionSet(actions ...string) ActionSet {
	s := make(ActionSet, len(actions))
	for _, a := range actions {
		s[a] = struct{}{}
	}
	return s
}

func (s ActionSet) Has(action string) bool {
	if _, ok := s[action]; ok {
		return true
	}
	_, ok := s[Wildcard]
	return ok
}

// MarshalJSON encodes the set as a sorted array.
func (s ActionSet) MarshalJSON() ([]byte, error) {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return json.Marshal(out)
}

// UnmarshalJSON accepts either ["read","write"] or {"read":true,"write":false}.
func (s *ActionSet) UnmarshalJSON(b []byte) error {
	set := ActionSet{}

	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		for _, a := range list {
			set[a] = struct{}{}
		}
		*s = set
		return nil
	}

	var flags map[string]bool
	if err := json.Unmarshal(b, &flags); err != nil {
		return fmt.Errorf("action set: %w", err)
	}
	for a, granted := range flags {
		if granted {
			set[a] = struct{}{}
		}
	}
	*s = set
	return nil
}

// Permissions maps resource -> granted actions.
type Permissions map[string]ActionSet

// ParsePermission splits "resource.action"; resources may themselves contain dots.
func ParsePermission(p string) (resource, action string, ok bool) {
	i := strings.LastIndexByte(p, '.')
	if i <= 0 || i == len(p)-1 {
		return "", "", false
	}
	return p[:i], p[i+1:], true
}

// Allows reports whether "resource.action" is granted.
func (p Permissions) Allows(perm string) bool {
	resource, action, ok := ParsePermission(perm)
	if !ok {
		return false
	}
	if set, ok := p[resource]; ok && set.Has(action) {
		return true
	}
	if set, ok := p[Wildcard]; ok && set.Has(action) {
		return true
	}
	return false
}

// Missing returns the required permissions that are not granted, in input order.
func (p Permissions) Missing(required []string) []string {
	var missing []string
	for _, r := range required {
		if !p.Allows(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

// Grant adds "resource.action" to the set.
func (p Permissions) Grant(perm string) error {
	resource, action, ok := ParsePermission(perm)
	if !ok {
		return fmt.Errorf("invalid permission %q", perm)
	}
	if p[resource] == nil {
		p[resource] = ActionSet{}
	}
	p[resource][action] = struct{}{}
	return nil
}

// Clone returns a deep copy.
func (p Permissions) Clone() Permissions {
	out := make(Permissions, len(p))
	for r, set := range p {
		cp := make(ActionSet, len(set))
		for a := range set {
			cp[a] = struct{}{}
		}
		out[r] = cp
	}
	return out
}

func (p Permissions) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Permissions) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*p = Permissions{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("permissions: unsupported source type %T", src)
	}
	out := Permissions{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return err
		}
	}
	*p = out
	return nil
}
