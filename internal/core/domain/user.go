package domain

type UserID string

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID UserID
	Role   Role
}

type Action string

const (
	ActionViewLive       Action = "view_live"
	ActionStopAnySession Action = "stop_any_session"
	ActionViewAnySession Action = "view_any_session"
	ActionManageNodes    Action = "manage_nodes"
)
