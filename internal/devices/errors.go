package devices

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// isSerializationError detects transaction conflicts on the admission path
// that warrant a bounded retry rather than a hard failure.
func isSerializationError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil {
		// serialization_failure or deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return true
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil {
		// ER_LOCK_DEADLOCK or ER_LOCK_WAIT_TIMEOUT
		if myErr.Number == 1213 || myErr.Number == 1205 {
			return true
		}
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "database is locked") ||
		strings.Contains(lower, "deadlock") ||
		strings.Contains(lower, "serialization")
}
