// Package actor identifies the caller of every engine operation.
//
// Identity verification happens upstream (the gateway validates the
// messaging-platform token); the engine only ever sees a trusted user
// id plus a role. Authorization is always a predicate over an Actor
// value passed into the operation, never ambient global state.
package actor

// Role is the authorization level of an actor.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID       string
	Username string
	Role     Role
}

// IsAdmin reports whether the actor has arbitration rights.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Is reports whether the actor is the given user.
func (a Actor) Is(userID string) bool {
	return a.ID != "" && a.ID == userID
}

// Admin returns an admin actor with the given id.
func Admin(id string) Actor {
	return Actor{ID: id, Role: RoleAdmin}
}

// User returns a regular actor with the given id.
func User(id string) Actor {
	return Actor{ID: id, Role: RoleUser}
}
