package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique constraint violation. With no
// hints any violation matches; otherwise the Postgres constraint name or the SQLite
// message must mention one of them. SQLite names columns, not indexes, so callers
// usually pass both forms.
func IsUniqueViolation(err error, hints ...string) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolation {
			return false
		}
		return matchesHint(pgErr.ConstraintName+" "+pgErr.Message, hints)
	}

	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") && !strings.Contains(msg, "duplicate key value") {
		return false
	}
	return matchesHint(msg, hints)
}

func matchesHint(text string, hints []string) bool {
	matched, checked := false, false
	for _, hint := range hints {
		if hint == "" {
			continue
		}
		checked = true
		matched = matched || strings.Contains(text, hint)
	}
	return matched || !checked
}
