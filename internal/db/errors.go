package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicatePair indicates a notification already exists for an
// alert+listing combination. Callers treat it as "already matched",
// not as a failure.
var ErrDuplicatePair = errors.New("notification already exists for alert+listing pair")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
