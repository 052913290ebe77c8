package db

import (
	"strings"

	"github.com/AITrekker/Jarvis/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically when shutdown closes the connection before a worker finishes.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// Driver errors are matched on their message since they cannot be wrapped at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
