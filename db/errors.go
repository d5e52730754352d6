package db

import (
	"strings"

	"github.com/teranos/herald/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically while background loops are still draining during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// Driver errors are matched by message since database/sql does not export a sentinel for them.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
