// Package auth turns gateway-verified identity headers into an Actor.
//
// The engine never validates messaging-platform tokens itself: the
// gateway in front of it does, and forwards the resulting trusted user
// id in X-User-Id. A matching X-Admin-Secret promotes the caller to
// admin for arbitration endpoints.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ndbytes/tonbroker/internal/actor"
)

const (
	// HeaderUserID carries the gateway-verified user id.
	HeaderUserID = "X-User-Id"
	// HeaderUsername optionally carries a display name for dispute
	// thread attribution.
	HeaderUsername = "X-Username"
	// HeaderAdminSecret promotes the caller to admin when it matches
	// the configured secret.
	HeaderAdminSecret = "X-Admin-Secret"

	contextActorKey = "authActor"
)

// Middleware builds the request Actor from identity headers.
// Requests without a user id are rejected; everything behind this
// middleware can assume an authenticated actor.
func Middleware(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Missing identity",
			})
			return
		}

		a := actor.Actor{
			ID:       userID,
			Username: c.GetHeader(HeaderUsername),
			Role:     actor.RoleUser,
		}
		if secret := c.GetHeader(HeaderAdminSecret); secret != "" && adminSecret != "" &&
			subtle.ConstantTimeCompare([]byte(secret), []byte(adminSecret)) == 1 {
			a.Role = actor.RoleAdmin
		}

		c.Set(contextActorKey, a)
		c.Next()
	}
}

// RequireAdmin rejects non-admin actors. Apply after Middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a := ActorFrom(c); !a.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_required",
				"message": "Arbitration rights required",
			})
			return
		}
		c.Next()
	}
}

// ActorFrom returns the authenticated actor for this request. Behind
// Middleware an actor is always present; absent one it returns the
// zero Actor, which passes no authorization check.
func ActorFrom(c *gin.Context) actor.Actor {
	v, ok := c.Get(contextActorKey)
	if !ok {
		return actor.Actor{}
	}
	a, _ := v.(actor.Actor)
	return a
}
