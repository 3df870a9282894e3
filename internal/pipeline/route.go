package pipeline

import (
	"errors"
	"fmt"
)

// Mode selects how a route's permission codes combine.
type Mode int

const (
	// All requires every listed permission.
	All Mode = iota
	// Any requires at least one listed permission.
	Any
	// One requires the single listed permission. A One route must list exactly one code.
	One
)

// Route declares what a request must satisfy before it reaches its handler.
type Route struct {
	Name string
	// Public routes accept requests without a usable token; they proceed with no tenant context.
	Public bool
	Mode   Mode
	// Permissions empty means any authenticated tenant passes the permission stage.
	Permissions []string
	// Roles, when set, restricts the route to those roles.
	Roles []string
	// SuperAdminOnly routes reject every tenant context that is not superadmin.
	SuperAdminOnly bool
	// RateLimited counts the request against the organization quota.
	RateLimited bool
}

// Validate reports route shapes the composer cannot evaluate as written.
func (r Route) Validate() error {
	var errs []error
	if r.Mode == One && len(r.Permissions) != 1 {
		errs = append(errs, fmt.Errorf("mode One needs exactly one permission, got %d", len(r.Permissions)))
	}
	if r.Mode < All || r.Mode > One {
		errs = append(errs, fmt.Errorf("unknown mode %d", int(r.Mode)))
	}
	if r.Public && (r.SuperAdminOnly || len(r.Roles) > 0 || len(r.Permissions) > 0) {
		errs = append(errs, errors.New("public routes cannot carry requirements"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline: route %q: %w", r.Name, err)
	}
	return nil
}
