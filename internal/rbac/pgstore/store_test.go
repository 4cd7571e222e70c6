package pgstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatekeeper/internal/rbac"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, rbac.ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), rbac.ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "roles_name_key"}, rbac.ErrValidation},
		{"foreign key", &pgconn.PgError{Code: "23503"}, rbac.ErrNotFound},
		{"connection failure", &pgconn.PgError{Code: "08006"}, rbac.ErrStorageUnavailable},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, rbac.ErrStorageUnavailable},
		{"too many connections", &pgconn.PgError{Code: "53300"}, rbac.ErrStorageUnavailable},
		{"deadline", context.DeadlineExceeded, rbac.ErrStorageUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify("op", tc.err), tc.want)
		})
	}
}

func TestClassifyKeepsUnknownErrors(t *testing.T) {
	boom := errors.New("boom")
	err := classify("list roles", boom)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, rbac.ErrNotFound))
	assert.False(t, rbac.IsRetryable(err))

	syntax := &pgconn.PgError{Code: "42601"}
	err = classify("list roles", syntax)
	assert.ErrorIs(t, err, syntax)
	assert.False(t, rbac.IsRetryable(err))

	assert.NoError(t, classify("noop", nil))
}

func TestListQueryMapsParams(t *testing.T) {
	deleted := rbac.StatusDeleted
	q := listQuery("permissions", permissionColumns, "slug", rbac.ListParams{
		Page: 3, PerPage: 10, Search: "role", SortBy: rbac.SortSlug, SortOrder: rbac.SortAsc, Status: &deleted,
	})
	assert.Equal(t, "slug", q.SortColumn)
	assert.False(t, q.Desc)
	assert.Equal(t, 10, q.Limit)
	assert.Equal(t, 20, q.Offset)
	require.NotNil(t, q.Status)
	assert.Equal(t, int16(3), *q.Status)

	query, args, _, _ := q.Build()
	assert.Contains(t, query, "slug ILIKE $2")
	assert.Equal(t, []any{int64(3), "%role%", 10, 20}, args)

	q = listQuery("roles", roleColumns, "name", rbac.ListParams{SortBy: rbac.SortUpdatedAt, SortOrder: rbac.SortDesc})
	assert.Equal(t, "updated_at", q.SortColumn)
	assert.True(t, q.Desc)
	assert.Zero(t, q.Limit)
	assert.Nil(t, q.Status)

	assert.Equal(t, "created_at", sortColumn("slug", "name"), "foreign sort column falls back")
}
