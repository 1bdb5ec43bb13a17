package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/backoffice-authz/repositories"
)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// wrapWriteError maps driver errors to repository sentinels
func wrapWriteError(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("failed to %s: %w: %v", op, repositories.ErrDuplicate, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
