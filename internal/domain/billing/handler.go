package billing

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
	accountParams = []string{"patient_id", "encounter_id", "status"}
	invoiceParams = []string{"patient_id", "encounter_id", "account_id", "status", "number", "outstanding", "from", "to"}
)

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – billing and front desk
	readGroup := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleReceptionist))
	readGroup.GET("/billing/accounts", h.ListAccounts)
	readGroup.GET("/billing/accounts/:id", h.GetAccount)
	readGroup.GET("/encounters/:id/account", h.GetEncounterAccount)
	readGroup.GET("/invoices", h.ListInvoices)
	readGroup.GET("/invoices/:id", h.GetInvoice)
	readGroup.GET("/invoices/:id/payments", h.ListPayments)

	// Write endpoints – billing staff
	writeGroup := api.Group("", auth.RequireRole(auth.RoleBilling))
	writeGroup.POST("/encounters/:id/charges", h.PostCharge)
	writeGroup.DELETE("/billing/items/:id", h.RemoveItem)
	writeGroup.POST("/billing/accounts/:id/invoices", h.GenerateInvoice)
	writeGroup.POST("/invoices/:id/void", h.VoidInvoice)
	writeGroup.POST("/invoices/:id/payments", h.RecordPayment)
	writeGroup.PUT("/payments/:id", h.UpdatePayment)
	writeGroup.DELETE("/payments/:id", h.DeletePayment)
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

func (h *Handler) ListAccounts(c echo.Context) error {
	pg := pagination.FromContext(c)
	list, total, err := h.svc.ListAccounts(c.Request().Context(), queryParams(c, accountParams), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAccount(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	acct, err := h.svc.GetAccount(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, acct)
}

func (h *Handler) GetEncounterAccount(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	acct, err := h.svc.GetAccountByEncounter(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, acct)
}

func (h *Handler) PostCharge(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var mc ManualCharge
	if err := c.Bind(&mc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	item, created, err := h.svc.PostManualCharge(c.Request().Context(), id, mc, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]interface{}{"item": item, "created": created})
}

func (h *Handler) RemoveItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.RemoveItem(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GenerateInvoice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GenerateInvoice(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	list, total, err := h.svc.ListInvoices(c.Request().Context(), queryParams(c, invoiceParams), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) VoidInvoice(c echo.Context) error {
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
	inv, err := h.svc.VoidInvoice(c.Request().Context(), id, body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	list, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": list, "total": len(list)})
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in PaymentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pay, inv, err := h.svc.RecordPayment(c.Request().Context(), id, in, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"payment": pay, "invoice": inv})
}

func (h *Handler) UpdatePayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in PaymentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pay, inv, err := h.svc.UpdatePayment(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"payment": pay, "invoice": inv})
}

func (h *Handler) DeletePayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.DeletePayment(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"invoice": inv})
}
