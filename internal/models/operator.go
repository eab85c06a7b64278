package models

// OperatorRole is carried in operator bearer tokens. Anonymous posters have no role.
type OperatorRole string

const (
	OperatorRoleModerator OperatorRole = "moderator"
	OperatorRoleAdmin     OperatorRole = "admin"

	// OperatorRoleService is held by the posting subsystem to attach files.
	OperatorRoleService OperatorRole = "service"
)

func (r OperatorRole) Valid() bool {
	return r == OperatorRoleModerator || r == OperatorRoleAdmin || r == OperatorRoleService
}
