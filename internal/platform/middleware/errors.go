package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
)

// FlashCookie carries errors across the redirect issued for HTML requests.
const FlashCookie = "hms_errors"

type errorBody struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Suggestions []string          `json:"suggestions,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Details     interface{}       `json:"details,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
}

type envelope struct {
	Error errorBody `json:"error"`
}

// ErrorHandler is installed as echo's HTTPErrorHandler. Domain errors keep
// their status and code; unknown errors become 500 and are logged.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := classify(err)
		body.RequestID = requestID(c)
		if status >= 500 {
			logger.Error().Err(err).Str("request_id", body.RequestID).Str("route", c.Path()).Msg("unhandled error")
		}

		if wantsHTML(c.Request()) {
			redirectWithErrors(c, body)
			return
		}
		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, envelope{Error: body})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}

func classify(err error) (int, errorBody) {
	if ae, ok := apperr.As(err); ok {
		status := ae.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		return status, errorBody{
			Code:        ae.Code,
			Message:     ae.Message,
			Suggestions: ae.Suggestions,
			Fields:      ae.Fields,
			Details:     ae.Details,
		}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprint(he.Message)
		if he.Internal != nil && he.Code < 500 {
			msg = he.Internal.Error()
		}
		return he.Code, errorBody{Code: fmt.Sprintf("HTTP_%d", he.Code), Message: msg}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, errorBody{Code: "TIMEOUT", Message: "request took too long"}
	}
	return http.StatusInternalServerError, errorBody{Code: "INTERNAL_ERROR", Message: "internal server error"}
}

// wantsHTML reports whether the client is a browser form post rather than
// the SPA's XHR calls.
func wantsHTML(r *http.Request) bool {
	if r.Header.Get(echo.HeaderXRequestedWith) == "XMLHttpRequest" {
		return false
	}
	accept := r.Header.Get(echo.HeaderAccept)
	html := strings.Index(accept, echo.MIMETextHTML)
	if html < 0 {
		return false
	}
	jsonIdx := strings.Index(accept, echo.MIMEApplicationJSON)
	return jsonIdx < 0 || html < jsonIdx
}

func redirectWithErrors(c echo.Context, body errorBody) {
	flash := map[string]interface{}{
		"code":    body.Code,
		"message": body.Message,
	}
	if len(body.Fields) > 0 {
		flash["fields"] = body.Fields
	}
	if len(body.Suggestions) > 0 {
		flash["suggestions"] = body.Suggestions
	}
	raw, _ := json.Marshal(flash)
	c.SetCookie(&http.Cookie{
		Name:     FlashCookie,
		Value:    base64.RawURLEncoding.EncodeToString(raw),
		Path:     "/",
		Expires:  time.Now().Add(time.Minute),
		HttpOnly: false,
		SameSite: http.SameSiteLaxMode,
	})

	target := c.Request().Referer()
	if target == "" || !sameHost(target, c.Request().Host) {
		target = "/"
	}
	_ = c.Redirect(http.StatusSeeOther, target)
}

func sameHost(ref, host string) bool {
	if strings.HasPrefix(ref, "/") && !strings.HasPrefix(ref, "//") {
		return true
	}
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(ref, scheme+host+"/") || ref == scheme+host {
			return true
		}
	}
	return false
}

// statusOf is the status the error handler will write for err.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	status, _ := classify(err)
	return status
}
