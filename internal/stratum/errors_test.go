package stratum

import (
	"fmt"
	"io"
	"syscall"
	"testing"
)

func TestIsRoutineDisconnectEOF(t *testing.T) {
	if !isRoutineDisconnect(io.EOF) {
		t.Fatal("io.EOF should be a routine disconnect")
	}
}

func TestIsRoutineDisconnectNil(t *testing.T) {
	if !isRoutineDisconnect(nil) {
		t.Fatal("nil error should be treated as routine")
	}
}

func TestIsRoutineDisconnectWrappedErrno(t *testing.T) {
	wrapped := fmt.Errorf("read tcp: %w", syscall.ECONNRESET)
	if !isRoutineDisconnect(wrapped) {
		t.Fatal("wrapped ECONNRESET should be a routine disconnect")
	}
}

func TestIsRoutineDisconnectOtherErrorsAreNotRoutine(t *testing.T) {
	if isRoutineDisconnect(fmt.Errorf("something unexpected")) {
		t.Fatal("a non-socket error should not be treated as routine")
	}
}
