package mgmt

import (
	"errors"
	"os"
)

// isTimeout reports whether err is a deadline-exceeded read error, expected
// every poll interval while idle and not itself a failure.
func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
