package pharmacy

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
	drugParams = []string{"code", "name", "form", "active", "low_stock", "sort"}
	rxParams   = []string{"encounter_id", "patient_id", "prescriber_id", "status", "from", "to"}
)

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Formulary and prescription reads – prescribers, pharmacy and billing
	readGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RolePharmacist, auth.RoleBilling))
	readGroup.GET("/drugs", h.ListDrugs)
	readGroup.GET("/drugs/:id", h.GetDrug)
	readGroup.GET("/prescriptions", h.ListPrescriptions)
	readGroup.GET("/prescriptions/:id", h.GetPrescription)

	// Formulary maintenance and dispensing – pharmacists
	pharmGroup := api.Group("", auth.RequireRole(auth.RolePharmacist))
	pharmGroup.POST("/drugs", h.CreateDrug)
	pharmGroup.PUT("/drugs/:id", h.UpdateDrug)
	pharmGroup.POST("/drugs/:id/stock", h.AdjustStock)
	pharmGroup.POST("/drugs/:id/activate", h.ActivateDrug)
	pharmGroup.POST("/drugs/:id/deactivate", h.DeactivateDrug)
	pharmGroup.POST("/prescriptions/:id/dispense", h.Dispense)

	// Prescribing – doctors
	doctorGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctorGroup.POST("/prescriptions", h.Prescribe)

	// Cancel and renew – doctors and pharmacists
	bothGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RolePharmacist))
	bothGroup.POST("/prescriptions/:id/cancel", h.Cancel)
	bothGroup.POST("/prescriptions/:id/renew", h.Renew)
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

func (h *Handler) CreateDrug(c echo.Context) error {
	var in DrugInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.CreateDrug(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, View(d))
}

func (h *Handler) UpdateDrug(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in DrugInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.UpdateDrug(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, View(d))
}

func (h *Handler) AdjustStock(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var adj StockAdjustment
	if err := c.Bind(&adj); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.AdjustStock(c.Request().Context(), id, adj)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, View(d))
}

func (h *Handler) ActivateDrug(c echo.Context) error   { return h.setActive(c, true) }
func (h *Handler) DeactivateDrug(c echo.Context) error { return h.setActive(c, false) }

func (h *Handler) setActive(c echo.Context, active bool) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.SetDrugActive(c.Request().Context(), id, active)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, View(d))
}

func (h *Handler) GetDrug(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetDrug(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, View(d))
}

func (h *Handler) ListDrugs(c echo.Context) error {
	pg := pagination.FromContext(c)
	list, total, err := h.svc.ListDrugs(c.Request().Context(), queryParams(c, drugParams), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(Views(list), total, pg.Limit, pg.Offset))
}

func (h *Handler) Prescribe(c echo.Context) error {
	var req PrescriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Prescribe(c.Request().Context(), req, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Dispense(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Dispense(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Cancel(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Renew(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Renew(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPrescription(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPrescription(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPrescriptions(c echo.Context) error {
	pg := pagination.FromContext(c)
	list, total, err := h.svc.ListPrescriptions(c.Request().Context(), queryParams(c, rxParams), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, pg.Limit, pg.Offset))
}
