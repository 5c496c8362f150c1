package diagnostics

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/matokham-ai/hospital-sub013/internal/platform/auth"
	"github.com/matokham-ai/hospital-sub013/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

var (
	testParams  = []string{"code", "name", "category", "active", "sort"}
	orderParams = []string{"encounter_id", "patient_id", "test_id", "priority", "status", "from", "to"}
)

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Catalog reads – any clinical role
	readGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleLab, auth.RoleBilling))
	readGroup.GET("/lab/tests", h.ListTests)
	readGroup.GET("/lab/tests/:id", h.GetTest)
	readGroup.GET("/lab/orders", h.ListOrders)
	readGroup.GET("/lab/orders/:id", h.GetOrder)

	// Catalog maintenance – lab staff
	catalogGroup := api.Group("", auth.RequireRole(auth.RoleLab))
	catalogGroup.POST("/lab/tests", h.CreateTest)
	catalogGroup.PUT("/lab/tests/:id", h.UpdateTest)
	catalogGroup.POST("/lab/tests/:id/activate", h.ActivateTest)
	catalogGroup.POST("/lab/tests/:id/deactivate", h.DeactivateTest)

	// Ordering – doctors
	orderGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	orderGroup.POST("/lab/orders", h.CreateOrder)

	// Workflow – lab staff, doctors may cancel
	workGroup := api.Group("", auth.RequireRole(auth.RoleLab))
	workGroup.POST("/lab/orders/:id/collect", h.Collect)
	workGroup.POST("/lab/orders/:id/start", h.Start)
	workGroup.POST("/lab/orders/:id/result", h.RecordResult)

	cancelGroup := api.Group("", auth.RequireRole(auth.RoleLab, auth.RoleDoctor))
	cancelGroup.POST("/lab/orders/:id/cancel", h.Cancel)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryParams(c echo.Context, keys []string) map[string]string {
	params := map[string]string{}
	for _, k := range keys {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	return params
}

func (h *Handler) CreateTest(c echo.Context) error {
	var in TestInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.CreateTest(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) UpdateTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in TestInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.UpdateTest(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ActivateTest(c echo.Context) error   { return h.setActive(c, true) }
func (h *Handler) DeactivateTest(c echo.Context) error { return h.setActive(c, false) }

func (h *Handler) setActive(c echo.Context, active bool) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.SetTestActive(c.Request().Context(), id, active)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) GetTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.GetTest(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTests(c echo.Context) error {
	pg := pagination.FromContext(c)
	list, total, err := h.svc.ListTests(c.Request().Context(), queryParams(c, testParams), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, pg.Limit, pg.Offset))
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req OrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.Order(c.Request().Context(), req, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) Collect(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.Collect(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Start(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.Start(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) RecordResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in ResultInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.RecordResult(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.Cancel(c.Request().Context(), id, body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	list, total, err := h.svc.ListOrders(c.Request().Context(), queryParams(c, orderParams), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, pg.Limit, pg.Offset))
}
