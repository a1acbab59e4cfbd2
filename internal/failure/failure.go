// Package failure classifies the terminal errors an upload attempt can end with.
// Codes are strings so they log and serialise without a lookup table.
package failure

import (
	"errors"
	"fmt"
)

// Code identifies a class of upload failure.
type Code string

const (
	// CodeInvalidInput indicates the file was rejected before any network call.
	CodeInvalidInput Code = "INVALID_INPUT"

	// CodeTransferFailed indicates the client to server leg failed on the network.
	CodeTransferFailed Code = "TRANSFER_FAILED"

	// CodeRejected indicates the application server refused the upload.
	CodeRejected Code = "UPLOAD_REJECTED"

	// CodeJobFailed indicates the remote job reported status failed.
	CodeJobFailed Code = "JOB_FAILED"

	// CodeJobCanceled indicates the remote job reported status canceled.
	CodeJobCanceled Code = "JOB_CANCELED"

	// CodePollFailed indicates an unexpected job-status response ended polling.
	CodePollFailed Code = "STATUS_POLL_FAILED"

	// CodeUnknown is reported for errors that carry no code.
	CodeUnknown Code = "UNKNOWN"
)

// Generic user-facing messages.
const (
	MsgTransferFailed = "Video upload failed. Please check your connection and try again."
	MsgRejected       = "Video upload failed. Please try again."
	MsgJobFailed      = "Video processing failed. Please try again."
	MsgJobCanceled    = "Video upload was canceled."
	MsgPollFailed     = "Could not confirm the video upload status. Please try again."
)

// Error is a coded failure carrying a message safe to show to the user.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns a coded error around cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeUnknown
}

// UserMessage returns the message to surface for err. Errors without a code
// get the generic rejection text.
func UserMessage(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	return MsgRejected
}
