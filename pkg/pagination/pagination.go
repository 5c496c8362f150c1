package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit/offset, or page/per_page as sent by the
// frontend's table components. page is 1-based.
func FromContext(c echo.Context) Params {
	limit := atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = atoi(c.QueryParam("per_page"))
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset := atoi(c.QueryParam("offset"))
	if page := atoi(c.QueryParam("page")); page > 1 && offset == 0 {
		offset = (page - 1) * limit
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Response wraps a paginated API response.
type Response struct {
	Data     interface{} `json:"data"`
	Total    int         `json:"total"`
	Limit    int         `json:"limit"`
	Offset   int         `json:"offset"`
	Page     int         `json:"page"`
	LastPage int         `json:"last_page"`
	HasMore  bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	if limit <= 0 {
		limit = DefaultLimit
	}
	last := (total + limit - 1) / limit
	if last < 1 {
		last = 1
	}
	return &Response{
		Data:     data,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
		Page:     offset/limit + 1,
		LastPage: last,
		HasMore:  offset+limit < total,
	}
}

// Window applies p to an in-memory slice length, returning the bounds to
// slice with. Used by list endpoints backed by computed collections.
func (p Params) Window(n int) (start, end int) {
	if p.Offset >= n {
		return n, n
	}
	end = p.Offset + p.Limit
	if end > n {
		end = n
	}
	return p.Offset, end
}
