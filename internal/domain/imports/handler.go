package imports

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/matokham-ai/hospital-sub013/internal/platform/auth"
)

// MaxUploadBytes caps the accepted file size.
const MaxUploadBytes = 10 << 20

type Handler struct {
	imp *Importer
}

func NewHandler(imp *Importer) *Handler {
	return &Handler{imp: imp}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Each catalogue is imported by the role that maintains it (admins always pass)
	api.POST("/imports/patients", h.upload(KindPatients), auth.RequireRole(auth.RoleReceptionist))
	api.POST("/imports/drugs", h.upload(KindDrugs), auth.RequireRole(auth.RolePharmacist))
	api.POST("/imports/tests", h.upload(KindTests), auth.RequireRole(auth.RoleLab))
}

func (h *Handler) upload(kindName string) echo.HandlerFunc {
	return func(c echo.Context) error {
		dryRun, _ := strconv.ParseBool(c.QueryParam("dry_run"))

		fh, err := c.FormFile("file")
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
		}
		if fh.Size > MaxUploadBytes {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file exceeds 10 MB")
		}
		src, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		defer src.Close()

		table, err := ReadTable(fh.Filename, src)
		if err != nil {
			return err
		}
		res, err := h.imp.Run(c.Request().Context(), kindName, table, dryRun)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, res)
	}
}
