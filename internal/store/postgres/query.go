package postgres

import (
	"fmt"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// listQuery appends the time range and pagination of opts to a query whose
// WHERE clause already binds len(args) parameters.
type listQuery struct {
	sql  string
	args []any
}

func (q *listQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *listQuery) timeRange(col string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.sql += fmt.Sprintf(" AND %s >= %s", col, q.arg(*opts.Since))
	}
	if opts.Until != nil {
		q.sql += fmt.Sprintf(" AND %s <= %s", col, q.arg(*opts.Until))
	}
}

func (q *listQuery) page(orderBy string, opts domain.ListOpts) {
	q.sql += " ORDER BY " + orderBy
	if opts.Limit > 0 {
		q.sql += " LIMIT " + q.arg(opts.Limit)
	}
	if opts.Offset > 0 {
		q.sql += " OFFSET " + q.arg(opts.Offset)
	}
}
