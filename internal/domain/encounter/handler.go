package encounter

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

var listParams = []string{"patient_id", "department_id", "doctor_id", "status", "encounter_type", "from", "to"}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – clinical and billing staff
	readGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleReceptionist, auth.RoleBilling))
	readGroup.GET("/encounters", h.List)
	readGroup.GET("/encounters/:id", h.Get)

	// Front desk and triage open visits
	visitGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleReceptionist))
	visitGroup.POST("/encounters/visits", h.StartVisit)
	visitGroup.POST("/encounters/:id/cancel", h.Cancel)

	// Ward workflows – doctors and nurses
	wardGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse))
	wardGroup.POST("/admissions", h.Admit)
	wardGroup.POST("/encounters/:id/transfer", h.Transfer)

	// Clinical sign-off – doctors only
	doctorGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctorGroup.POST("/encounters/:id/complete", h.CompleteConsultation)
	doctorGroup.POST("/encounters/:id/discharge", h.Discharge)
}

// callerDoctor returns the caller's id when they hold the doctor role.
func callerDoctor(c echo.Context) string {
	ctx := c.Request().Context()
	for _, r := range auth.RolesFromContext(ctx) {
		if r == auth.RoleDoctor {
			return auth.UserIDFromContext(ctx)
		}
	}
	return ""
}

func (h *Handler) StartVisit(c echo.Context) error {
	var req VisitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DoctorID == "" {
		req.DoctorID = callerDoctor(c)
	}
	enc, err := h.svc.StartVisit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, enc)
}

func (h *Handler) CompleteConsultation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var note SOAP
	if err := c.Bind(&note); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	enc, err := h.svc.CompleteConsultation(c.Request().Context(), id, note, callerDoctor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) Admit(c echo.Context) error {
	var req AdmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DoctorID == "" {
		req.DoctorID = callerDoctor(c)
	}
	enc, bed, err := h.svc.Admit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"encounter": enc,
		"bed": map[string]interface{}{
			"id":         bed.ID,
			"ward_id":    bed.WardID,
			"bed_number": bed.BedNumber,
			"status":     bed.Status,
		},
	})
}

func (h *Handler) Transfer(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		BedID uuid.UUID `json:"bed_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	enc, err := h.svc.Transfer(c.Request().Context(), id, body.BedID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) Discharge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	enc, err := h.svc.Discharge(c.Request().Context(), id, body.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	enc, err := h.svc.Cancel(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	enc, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := map[string]string{}
	for _, k := range listParams {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	list, total, err := h.svc.List(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, pg.Limit, pg.Offset))
}
