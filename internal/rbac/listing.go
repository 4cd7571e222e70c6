package rbac

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultPerPage is applied by HTTP callers when per_page is absent.
	DefaultPerPage = 10
	// MaxPerPage bounds a single page.
	MaxPerPage = 100

	SortAsc  = "asc"
	SortDesc = "desc"

	SortCreatedAt = "created_at"
	SortUpdatedAt = "updated_at"
	SortName      = "name"
	SortSlug      = "slug"
)

// ListParams describes a stateless page request over roles or permissions.
// PerPage 0 returns every matching record unpaged.
type ListParams struct {
	Page      int     `validate:"min=0"`
	PerPage   int     `validate:"min=0,max=100"`
	Search    string  `validate:"max=255"`
	SortBy    string  `validate:"omitempty,oneof=name slug created_at updated_at"`
	SortOrder string  `validate:"omitempty,oneof=asc desc"`
	Status    *Status `validate:"omitempty"`
}

// Paged reports whether the request asks for a single page.
func (p ListParams) Paged() bool {
	return p.PerPage > 0
}

// Offset returns the row offset for the requested page.
func (p ListParams) Offset() int {
	if !p.Paged() || p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.PerPage
}

// Page is one slice of a listing together with its position metadata.
type Page[T any] struct {
	Items    []T  `json:"items"`
	Total    int  `json:"total"`
	Page     int  `json:"current_page"`
	PerPage  int  `json:"per_page"`
	LastPage int  `json:"last_page"`
	Paged    bool `json:"paged"`
}

// From is the 1-based index of the first item on the page, 0 when empty.
func (p Page[T]) From() int {
	if len(p.Items) == 0 {
		return 0
	}
	if !p.Paged {
		return 1
	}
	return (p.Page-1)*p.PerPage + 1
}

// To is the 1-based index of the last item on the page, 0 when empty.
func (p Page[T]) To() int {
	if len(p.Items) == 0 {
		return 0
	}
	return p.From() + len(p.Items) - 1
}

// NewPage computes pagination metadata for items already cut to the page.
func NewPage[T any](items []T, total int, params ListParams) Page[T] {
	if items == nil {
		items = []T{}
	}
	if !params.Paged() {
		return Page[T]{Items: items, Total: total, Page: 1, PerPage: total, LastPage: 1}
	}
	page := params.Page
	if page <= 0 {
		page = 1
	}
	lastPage := int(math.Ceil(float64(total) / float64(params.PerPage)))
	if lastPage < 1 {
		lastPage = 1
	}
	return Page[T]{Items: items, Total: total, Page: page, PerPage: params.PerPage, LastPage: lastPage, Paged: true}
}

// Paginate cuts an in-memory collection the same way stores cut query results.
func Paginate[T any](items []T, params ListParams) Page[T] {
	total := len(items)
	if !params.Paged() {
		return NewPage(items, total, params)
	}
	start := params.Offset()
	if start > total {
		start = total
	}
	end := start + params.PerPage
	if end > total {
		end = total
	}
	return NewPage(items[start:end], total, params)
}

var listValidator = validator.New()

// normalizeListParams validates params and fills defaults. sortable names the
// columns accepted in addition to the timestamps.
func normalizeListParams(params ListParams, sortable string) (ListParams, error) {
	params.Search = strings.TrimSpace(params.Search)
	params.SortBy = strings.ToLower(strings.TrimSpace(params.SortBy))
	params.SortOrder = strings.ToLower(strings.TrimSpace(params.SortOrder))
	if err := listValidator.Struct(params); err != nil {
		return ListParams{}, fmt.Errorf("%w: %s", ErrValidation, describeValidation(err))
	}
	switch params.SortBy {
	case "":
		params.SortBy = SortCreatedAt
	case SortCreatedAt, SortUpdatedAt, sortable:
	default:
		return ListParams{}, fmt.Errorf("%w: sort_by %q not supported", ErrValidation, params.SortBy)
	}
	if params.SortOrder == "" {
		params.SortOrder = SortDesc
	}
	if params.Status != nil && !params.Status.Valid() {
		return ListParams{}, fmt.Errorf("%w: unknown status %d", ErrValidation, *params.Status)
	}
	if params.Page == 0 {
		params.Page = 1
	}
	return params, nil
}

func describeValidation(err error) string {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
