package dashboard

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/matokham-ai/hospital-sub013/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/dashboard", h.Get)
}

// Get returns the caller's primary-role dashboard. ?role= picks another role
// the caller holds.
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	role := auth.PrimaryRole(ctx)
	if want := c.QueryParam("role"); want != "" {
		if !auth.HasRole(ctx, want) {
			return echo.NewHTTPError(http.StatusForbidden, "role not held by caller")
		}
		role = want
	}
	if role == "" {
		return echo.NewHTTPError(http.StatusForbidden, "no staff role assigned")
	}
	d, err := h.svc.Build(ctx, role, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}
