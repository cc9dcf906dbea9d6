package capture

import (
	"errors"
	"fmt"
)

// Errors returned by the capture manager and recording buffer.
var (
	ErrEmptyRecording   = errors.New("recording has no audio")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrBufferFinalized  = errors.New("recording buffer is finalized")
	ErrClosed           = errors.New("capture manager is closed")
	ErrAborted          = errors.New("capture aborted while opening")
)

// PermissionError is returned when microphone access is denied.
// No buffer is opened and the caller should not retry.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return "microphone permission denied"
	}
	return fmt.Sprintf("microphone permission denied: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// DeviceError is returned when no input device exists or the device is
// lost mid-use. Any partial recording is discarded.
type DeviceError struct {
	Op  string // open, read
	Err error

	// Recording is true if a recording buffer was open when the device failed.
	Recording bool
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("microphone %s failed: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// classifyOpenError keeps typed errors from the opener and wraps everything else as a DeviceError.
func classifyOpenError(err error) error {
	var permErr *PermissionError
	if errors.As(err, &permErr) {
		return err
	}
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return err
	}
	return &DeviceError{Op: "open", Err: err}
}
