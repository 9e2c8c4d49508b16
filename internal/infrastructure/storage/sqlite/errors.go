package sqlite

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"mt5bridge/internal/domain"
)

// wrap classifies a driver error for operation op. Constraint violations are
// deterministic and must not be retried: uniqueness maps to ErrConflict, the
// rest (CHECK, NOT NULL) to ErrValidation. Everything else is connectivity.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrConflict, err)
		}
		return fmt.Errorf("%s: %w: %w", op, domain.ErrValidation, err)
	}
	return domain.Connectivity(op, err)
}
