package storeinfra

import (
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

func byID(id string) repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("id = ?", id)
	}
}

func byIDs(ids []string) repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("id IN (?)", bun.In(ids))
	}
}

// live excludes tombstones.
func live() repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("deleted_at IS NULL")
	}
}

// after orders by id and resumes past the cursor.
func after(id string) repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("id > ?", id).Order("id")
	}
}

func versionColumns() repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Column("id", "version", "deleted_at")
	}
}

func page(offset, n int) repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.OrderExpr("created_at ASC, id ASC").Offset(offset).Limit(n)
	}
}

func limit(n int) repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Limit(n)
	}
}

func unresolved() repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("resolved_at IS NULL").Order("id")
	}
}
