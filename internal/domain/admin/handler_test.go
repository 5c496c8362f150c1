package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	return NewHandler(env.svc), env, echo.New()
}

func TestHandler_CreateDepartment(t *testing.T) {
	h, _, e := newTestHandler()

	body := `{"code":"ortho","name":"Orthopaedics","consultation_fee":60}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/departments", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateDepartment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var d Department
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Code != "ORTHO" || d.ConsultationFee != 60 {
		t.Errorf("unexpected department: %+v", d)
	}
}

func TestHandler_DeleteDepartment_InUse(t *testing.T) {
	h, env, e := newTestHandler()
	d, _ := env.seedWard(t)
	env.depts.refs[d.ID] = map[string]int{"wards": 1}

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID.String())

	err := h.DeleteDepartment(c)
	ae, ok := apperr.As(err)
	if !ok || ae.Status != http.StatusConflict {
		t.Fatalf("expected 409 apperr, got %v", err)
	}
}

func TestHandler_GetDepartment_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.GetDepartment(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_CreateBedAndChangeStatus(t *testing.T) {
	h, env, e := newTestHandler()
	_, w := env.seedWard(t)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"bed_number":"12"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(w.ID.String())
	if err := h.CreateBed(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var b Bed
	json.Unmarshal(rec.Body.Bytes(), &b)
	if b.Status != BedAvailable || b.WardID != w.ID {
		t.Fatalf("unexpected bed: %+v", b)
	}

	req = httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{"status":"maintenance"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	if err := h.ChangeBedStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.beds.beds[b.ID].Status != BedMaintenance {
		t.Errorf("expected maintenance in store, got %s", env.beds.beds[b.ID].Status)
	}
}

func TestHandler_ListWards(t *testing.T) {
	h, env, e := newTestHandler()
	env.seedWard(t)
	env.svc.CreateWard(context.Background(), &Ward{DepartmentID: env.wards.anyDepartment(), Code: "M2", Name: "Medical Ward 2"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wards", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListWards(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 2 {
		t.Errorf("expected 2 wards, got %d", resp.Total)
	}
}
