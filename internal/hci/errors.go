package hci

import (
	"errors"
	"os"
)

// isTimeout reports whether err is the result of a read deadline expiring
// on the underlying socket.
func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
