package auth

const (
	PermShowsRead          = "shows.read"
	PermShowsWrite         = "shows.write"
	PermFinanceRead        = "finance.read"
	PermFinanceWrite       = "finance.write"
	PermTravelRead         = "travel.read"
	PermTravelWrite        = "travel.write"
	PermContactsRead       = "contacts.read"
	PermContactsWrite      = "contacts.write"
	PermCalendarRead       = "calendar.read"
	PermCalendarSync       = "calendar.sync"
	PermMembersManage      = "members.manage"
	PermOrganizationManage = "organization.manage"
)

const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleMember  = "member"
	RoleFinance = "finance"
	RoleViewer  = "viewer"
)

// BuiltinPermissions lists every permission code the service knows about.
var BuiltinPermissions = []string{
	PermShowsRead, PermShowsWrite,
	PermFinanceRead, PermFinanceWrite,
	PermTravelRead, PermTravelWrite,
	PermContactsRead, PermContactsWrite,
	PermCalendarRead, PermCalendarSync,
	PermMembersManage, PermOrganizationManage,
}
