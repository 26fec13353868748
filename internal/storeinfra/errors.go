package storeinfra

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrTxStaged is returned when a second mutation is staged on a transaction.
	ErrTxStaged = errors.New("transaction already has a staged mutation")
	// ErrTxEmpty is returned by Commit when nothing was staged.
	ErrTxEmpty = errors.New("transaction has no staged mutation")
	// ErrTxDone is returned when a committed or rolled back transaction is reused.
	ErrTxDone = errors.New("transaction already finished")
)

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	// repository errors may carry the driver message without its type
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
