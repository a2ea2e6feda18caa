package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/lesion-diagnostics/internal/auth"
	"github.com/example/lesion-diagnostics/internal/repository"
)

// caller is the authenticated user behind a request.
type caller struct {
	id         uint
	restricted bool
}

// owns reports whether the caller may act on records of ownerID. Patients are
// limited to their own records; doctors and admins are not.
func (c caller) owns(ownerID uint) bool {
	return !c.restricted || c.id == ownerID
}

// identify resolves the token subject to a user. Without authentication every
// request is unrestricted. It writes the response and returns false when the
// subject is not a known user.
func (a *API) identify(c *gin.Context) (caller, bool) {
	ctx := c.Request.Context()
	if _, ok := auth.GetUserID(ctx); !ok {
		return caller{}, true
	}
	id, ok := auth.UserID(ctx)
	if !ok {
		detail(c, http.StatusUnauthorized, "token subject is not a user id")
		return caller{}, false
	}
	user, err := a.Users.Get(ctx, id)
	if err != nil {
		a.fail(c, err)
		return caller{}, false
	}
	if user == nil {
		detail(c, http.StatusUnauthorized, "token subject no longer exists")
		return caller{}, false
	}
	return caller{id: id, restricted: user.Role == repository.RolePatient}, true
}

// authorize writes 403 and returns false unless the caller may act on
// records of ownerID.
func (a *API) authorize(c *gin.Context, ownerID uint) bool {
	who, ok := a.identify(c)
	if !ok {
		return false
	}
	if !who.owns(ownerID) {
		forbidden(c)
		return false
	}
	return true
}

func forbidden(c *gin.Context) {
	detail(c, http.StatusForbidden, "Not allowed to access records of another user")
}
