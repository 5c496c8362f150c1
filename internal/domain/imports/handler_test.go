package imports

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartRequest(t *testing.T, target, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestHandler_Upload(t *testing.T) {
	f := newImportFixture()
	h := NewHandler(f.imp)
	e := echo.New()

	req := multipartRequest(t, "/api/v1/imports/tests?dry_run=true", "tests.csv",
		"code,name,price\nCBC,Full blood count,12\nLFT,,x\n")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.upload(KindTests)(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.Errors, 2)
	assert.Empty(t, f.tests.saved)
}

func TestHandler_Upload_NoFile(t *testing.T) {
	h := NewHandler(newImportFixture().imp)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/drugs", nil)
	c := echo.New().NewContext(req, httptest.NewRecorder())

	err := h.upload(KindDrugs)(c)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}
