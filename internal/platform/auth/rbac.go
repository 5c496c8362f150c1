package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func HasRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
		for _, want := range roles {
			if has == want {
				return true
			}
		}
	}
	return false
}

// rolePrecedence orders roles when a user holds several; the first match
// picks the dashboard they see.
var rolePrecedence = []string{
	RoleAdmin, RoleDoctor, RoleNurse, RoleBilling, RolePharmacist, RoleLab, RoleReceptionist,
}

// PrimaryRole returns the highest-precedence role held by the caller, or "".
func PrimaryRole(ctx context.Context) string {
	held := RolesFromContext(ctx)
	for _, r := range rolePrecedence {
		for _, h := range held {
			if h == r {
				return r
			}
		}
	}
	return ""
}
