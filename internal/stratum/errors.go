package stratum

import (
	"errors"
	"io"
	"syscall"
)

// isRoutineDisconnect reports whether err is one of the socket errors
// spec.md §4.1 lists as routine disconnects, not worth logging as
// errors: connection reset/aborted/timed out/broken pipe. On Linux
// these correspond to ECONNRESET=104, ECANCELED=125, ECONNABORTED=103,
// ETIMEDOUT=110, EPIPE=32.
func isRoutineDisconnect(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECANCELED, syscall.ECONNABORTED, syscall.ETIMEDOUT, syscall.EPIPE:
			return true
		}
	}
	return false
}
