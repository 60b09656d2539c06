package pagination

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Window is the slice of a result set a list request asks for.
type Window struct {
	Limit  int
	Offset int
}

// Parse reads ?limit and ?offset. Missing or invalid limits fall back to
// DefaultLimit and are capped at MaxLimit.
func Parse(c echo.Context) Window {
	w := Window{Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		w.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil && n > 0 {
		w.Offset = n
	}
	return w
}

// Page is the JSON envelope of a list endpoint.
type Page struct {
	Data    any    `json:"data"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
	Links   *Links `json:"links"`
}

type Links struct {
	Self     string `json:"self"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// Page wraps data for this window. base is the request path plus any filter
// query; paging parameters are appended to it.
func (w Window) Page(data any, total int, base string) *Page {
	join := "?"
	if strings.Contains(base, "?") {
		join = "&"
	}
	at := func(offset int) string {
		return base + join + "offset=" + strconv.Itoa(offset) + "&limit=" + strconv.Itoa(w.Limit)
	}

	more := w.Offset+w.Limit < total
	p := &Page{
		Data:    data,
		Total:   total,
		Limit:   w.Limit,
		Offset:  w.Offset,
		HasMore: more,
		Links:   &Links{Self: at(w.Offset)},
	}
	if more {
		p.Links.Next = at(w.Offset + w.Limit)
	}
	if w.Offset > 0 {
		p.Links.Previous = at(max(w.Offset-w.Limit, 0))
	}
	return p
}
