// Package query implements the read path: attribute searches, nearby
// search, lookups, stats and export.
package query

import (
	"context"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/store"
)

// Engine answers directory queries. It holds no per-request state.
type Engine struct {
	store     store.Businesses
	exportMax int
}

// NewEngine creates a query engine.
func NewEngine(st store.Businesses, cfg config.QueryConfig) *Engine {
	exportMax := cfg.ExportMax
	if exportMax <= 0 {
		exportMax = 10000
	}
	return &Engine{store: st, exportMax: exportMax}
}

// ListQuery is a paginated attribute search.
type ListQuery struct {
	Term  string
	Page  int
	Limit int
}

// ParseListQuery reads term, page and limit from request parameters.
func ParseListQuery(q url.Values, termParam string) (ListQuery, error) {
	var v validator
	lq := ListQuery{
		Term:  q.Get(termParam),
		Page:  v.parseInt("page", q.Get("page"), 1),
		Limit: v.parseInt("limit", q.Get("limit"), DefaultLimit),
	}
	v.intRange("page", lq.Page, 1, MaxPage)
	v.intRange("limit", lq.Limit, 1, MaxLimit)
	if err := v.err(); err != nil {
		return lq, err
	}
	lq, err := lq.validate(termParam)
	return lq, err
}

func (lq ListQuery) validate(termField string) (ListQuery, error) {
	var v validator
	if lq.Page == 0 {
		lq.Page = 1
	}
	if lq.Limit == 0 {
		lq.Limit = DefaultLimit
	}
	lq.Term = v.term(termField, lq.Term)
	v.intRange("page", lq.Page, 1, MaxPage)
	v.intRange("limit", lq.Limit, 1, MaxLimit)
	return lq, v.err()
}

// Pagination describes one page of a list result. Total is the number of
// records on this page.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// ListResult is a page of businesses.
type ListResult struct {
	Data       []model.Business `json:"data"`
	Pagination Pagination       `json:"pagination"`
}

// SearchByName returns businesses whose name starts with the term,
// ignoring case and accents.
func (e *Engine) SearchByName(ctx context.Context, lq ListQuery) (*ListResult, error) {
	lq, err := lq.validate("name")
	if err != nil {
		return nil, err
	}
	return e.list(ctx, store.Filter{NamePrefix: model.FoldKey(lq.Term)}, lq, "search by name")
}

// ByCategory returns businesses whose category equals the term, ignoring
// case and accents.
func (e *Engine) ByCategory(ctx context.Context, lq ListQuery) (*ListResult, error) {
	lq, err := lq.validate("type")
	if err != nil {
		return nil, err
	}
	return e.list(ctx, store.Filter{Category: model.FoldKey(lq.Term)}, lq, "by category")
}

// ByCity returns businesses located in the named city, ignoring case and
// accents.
func (e *Engine) ByCity(ctx context.Context, lq ListQuery) (*ListResult, error) {
	lq, err := lq.validate("name")
	if err != nil {
		return nil, err
	}
	return e.list(ctx, store.Filter{City: model.FoldKey(lq.Term)}, lq, "by city")
}

// list fetches one extra row to decide HasMore.
func (e *Engine) list(ctx context.Context, f store.Filter, lq ListQuery, op string) (*ListResult, error) {
	rows, err := e.store.FindBusinesses(ctx, f, store.Page{
		Limit:  lq.Limit + 1,
		Offset: (lq.Page - 1) * lq.Limit,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "query: %s", op)
	}

	hasMore := len(rows) > lq.Limit
	if hasMore {
		rows = rows[:lq.Limit]
	}
	if rows == nil {
		rows = []model.Business{}
	}
	return &ListResult{
		Data: rows,
		Pagination: Pagination{
			Page:    lq.Page,
			Limit:   lq.Limit,
			Total:   len(rows),
			HasMore: hasMore,
		},
	}, nil
}

// GetByID returns (nil, nil) when no business has the id.
func (e *Engine) GetByID(ctx context.Context, id string) (*model.Business, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	b, err := e.store.GetBusiness(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "query: get business %s", id)
	}
	return b, nil
}
