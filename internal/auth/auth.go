package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	// RoleJobRunner may submit jobs.
	RoleJobRunner = "job_runner"
	// RoleJobReader may list runs and read archived results.
	RoleJobReader = "job_reader"
)

type Identity struct {
	Principal string
	Roles     []string
}

func (i Identity) HasRole(role string) bool {
	idx := sort.SearchStrings(i.Roles, role)
	return idx < len(i.Roles) && i.Roles[idx] == role
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses "key:principal:role|role,key:principal:role".
func NewStaticAPIKeyValidator(raw string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:principal:role|role", entry)
		}
		key := strings.TrimSpace(parts[0])
		principal := strings.TrimSpace(parts[1])
		if key == "" || principal == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/principal", entry)
		}
		if _, exists := validator.keys[key]; exists {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		roles := make([]string, 0, 2)
		for _, role := range strings.Split(strings.TrimSpace(parts[2]), "|") {
			role = strings.TrimSpace(role)
			if role == "" {
				continue
			}
			if role != RoleJobRunner && role != RoleJobReader {
				return nil, fmt.Errorf("invalid static key entry %q: unknown role %q", entry, role)
			}
			roles = append(roles, role)
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
		}
		sort.Strings(roles)
		validator.keys[key] = Identity{Principal: principal, Roles: roles}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}
