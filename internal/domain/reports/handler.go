package reports

import (
	"net/http"

	"github.com/google/uuid"
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
	// Receipts – billing staff and front desk
	g := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleReceptionist))
	g.GET("/invoices/:id/receipt", h.Receipt)
	g.POST("/invoices/:id/receipt/archive", h.Archive)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Receipt(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	body, _, err := h.svc.Receipt(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.HTMLBlob(http.StatusOK, body)
}

func (h *Handler) Archive(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Archive(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}
