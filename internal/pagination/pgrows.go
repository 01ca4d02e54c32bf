package pagination

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/datagrid/model"
)

// PgQuerier is the subset of *pgxpool.Pool the row queryer needs.
type PgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgRowQueryer runs query-fetch pages against PostgreSQL. The query is a
// SELECT statement; it is wrapped so the page window applies on top of it.
// The paging cookie is an opaque encoding of the next offset.
type PgRowQueryer struct {
	db PgQuerier
}

// NewPgRowQueryer creates a queryer over db.
func NewPgRowQueryer(db PgQuerier) *PgRowQueryer {
	return &PgRowQueryer{db: db}
}

// RetrieveMultiple returns one page of rows.
func (q *PgRowQueryer) RetrieveMultiple(ctx context.Context, rq model.RowQuery) (model.RowPage, error) {
	offset, err := DecodeOffsetCookie(rq.Cookie)
	if err != nil {
		return model.RowPage{}, err
	}
	if rq.Cookie == "" && rq.Page > 1 {
		offset = (rq.Page - 1) * rq.PageSize
	}

	sql := PagedSQL(rq)
	rows, err := q.db.Query(ctx, sql, rq.PageSize, offset)
	if err != nil {
		return model.RowPage{}, fmt.Errorf("pagination: querying %s: %w", rq.Entity, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return model.RowPage{}, fmt.Errorf("pagination: reading %s rows: %w", rq.Entity, err)
	}

	page := model.RowPage{Rows: maps}
	if len(maps) >= rq.PageSize {
		page.Cookie = EncodeOffsetCookie(offset + len(maps))
	}
	return page, nil
}

// PagedSQL returns the statement for one page. Parameters $1 and $2 are
// the limit and offset. Without a query the entity table is read ordered by
// its first column.
func PagedSQL(rq model.RowQuery) string {
	base := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rq.Query), ";"))
	if base == "" {
		table := rq.EntitySet
		if table == "" {
			table = rq.Entity
		}
		base = "SELECT * FROM " + pgx.Identifier(strings.Split(table, ".")).Sanitize() + " ORDER BY 1"
	}
	return "SELECT * FROM (" + base + ") AS page_source LIMIT $1 OFFSET $2"
}

const cookiePrefix = "offset:"

// EncodeOffsetCookie encodes an offset as a paging cookie.
func EncodeOffsetCookie(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cookiePrefix + strconv.Itoa(offset)))
}

// DecodeOffsetCookie decodes a paging cookie. The empty cookie is offset 0.
func DecodeOffsetCookie(cookie string) (int, error) {
	if cookie == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cookie)
	if err != nil {
		return 0, fmt.Errorf("pagination: malformed paging cookie: %w", err)
	}
	s, ok := strings.CutPrefix(string(raw), cookiePrefix)
	if !ok {
		return 0, fmt.Errorf("pagination: malformed paging cookie %q", cookie)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("pagination: malformed paging cookie %q", cookie)
	}
	return n, nil
}
