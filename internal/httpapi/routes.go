package httpapi

import (
	"ontour.app/internal/auth"
	"ontour.app/internal/pipeline"
)

// Route requirements of the public API.
var (
	RoutePublicTour = pipeline.Route{Name: "public.tour", Public: true}

	RouteMe = pipeline.Route{Name: "me", RateLimited: true}

	RouteListShows = pipeline.Route{
		Name:        "shows.list",
		Mode:        pipeline.One,
		Permissions: []string{auth.PermShowsRead},
		RateLimited: true,
	}
	RouteCreateShow = pipeline.Route{
		Name:        "shows.create",
		Mode:        pipeline.One,
		Permissions: []string{auth.PermShowsWrite},
		RateLimited: true,
	}
	RouteFinanceSummary = pipeline.Route{
		Name:        "finance.summary",
		Mode:        pipeline.All,
		Permissions: []string{auth.PermFinanceRead},
		RateLimited: true,
	}
	RouteTravelBooking = pipeline.Route{
		Name:        "travel.booking",
		Mode:        pipeline.Any,
		Permissions: []string{auth.PermTravelWrite, auth.PermShowsWrite},
		RateLimited: true,
	}
	RouteCalendarSync = pipeline.Route{
		Name:        "calendar.sync",
		Mode:        pipeline.One,
		Permissions: []string{auth.PermCalendarSync},
		RateLimited: true,
	}
	RouteAdminOrganizations = pipeline.Route{
		Name:           "admin.organizations",
		SuperAdminOnly: true,
	}
	RouteRemoveMember = pipeline.Route{
		Name:        "members.remove",
		Roles:       []string{auth.RoleOwner, auth.RoleAdmin},
		Permissions: []string{auth.PermMembersManage},
		RateLimited: true,
	}
)
