package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/auth"
)

func newTestHandler() (*Handler, *fixture, *echo.Echo) {
	f := newFixture()
	return NewHandler(f.svc), f, echo.New()
}

func TestHandler_CreateOrder(t *testing.T) {
	h, f, e := newTestHandler()
	lt := f.test(t, "CBC", 12)
	enc := f.encounter("in-progress")

	body := `{"encounter_id":"` + enc.String() + `","test_id":"` + lt.ID.String() + `","priority":"stat"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/lab/orders", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(context.Background(), "dr-7", "Dr Seven", []string{auth.RoleDoctor}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var o Order
	json.Unmarshal(rec.Body.Bytes(), &o)
	if o.Priority != PriorityStat || o.OrderedBy == nil || *o.OrderedBy != "dr-7" {
		t.Errorf("unexpected order: %+v", o)
	}
}

func TestHandler_UpdateTest_PriceRule(t *testing.T) {
	h, f, e := newTestHandler()
	lt := f.test(t, "LFT", 40)
	f.order(t, lt.ID)

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"code":"LFT","name":"LFT","price":100}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(lt.ID.String())

	err := h.UpdateTest(c)
	ae, ok := apperr.As(err)
	if !ok || ae.Code != apperr.CodeInvalidPriceChange || len(ae.Suggestions) == 0 {
		t.Fatalf("expected INVALID_PRICE_CHANGE with suggestions, got %v", err)
	}
}

func TestHandler_Cancel_BadID(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("x")

	err := h.Cancel(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
