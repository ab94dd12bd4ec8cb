package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taintguard/internal/faults"
)

// ContextKeyAdminID is the gin context key holding the resolved admin id.
const ContextKeyAdminID = "adminID"

// RequireAdmin rejects requests without a valid admin session. On success
// the admin id is set under ContextKeyAdminID and the admin is attached to
// the request context.
func RequireAdmin(dir Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := dir.Resolve(c.Request.Context(), BearerToken(c.GetHeader("Authorization")))
		if err != nil {
			if errors.Is(err, ErrDirectoryUnavailable) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   "admin_directory_unavailable",
					"message": "Admin directory is unavailable, try again later",
				})
				return
			}
			faults.Abort(c, err)
			return
		}
		attach(c, a)
		c.Next()
	}
}

// Attach resolves the session when one is presented but never rejects the
// request. JSON-RPC mixes public and admin methods on one endpoint; admin
// methods check the context themselves.
func Attach(dir Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := BearerToken(c.GetHeader("Authorization")); token != "" {
			if a, err := dir.Resolve(c.Request.Context(), token); err == nil {
				attach(c, a)
			}
		}
		c.Next()
	}
}

func attach(c *gin.Context, a *Admin) {
	c.Set(ContextKeyAdminID, a.ID)
	c.Request = c.Request.WithContext(NewContext(c.Request.Context(), a))
}
