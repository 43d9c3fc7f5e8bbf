package domain

// ActionType names the three kinds of task graphs a privacy request can
// carry. One graph is built per action type present in the request's policy.
type ActionType string

const (
	ActionAccess  ActionType = "access"
	ActionErasure ActionType = "erasure"
	ActionConsent ActionType = "consent"
)

// Valid reports whether the action type is one of the known values.
func (a ActionType) Valid() bool {
	switch a {
	case ActionAccess, ActionErasure, ActionConsent:
		return true
	}
	return false
}
