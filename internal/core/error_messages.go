package core

// error_messages.go maps engine errors to user-facing messages with a
// support code. Typed errors are mapped by Kind; anything else falls back to
// case-insensitive pattern matching on the error text.
//
// # Upload errors (UPL001-UPL099)
//
//	UPL001 - Upload not found (NotFound)
//	UPL002 - System busy (ErrTooManyUploads)
//	UPL003 - File too large          pattern "file too large"
//	UPL004 - File type not allowed   pattern "is not allowed"
//	UPL005 - Invalid request (InvalidArgument)
//	UPL006 - Chunk index out of range (ErrOutOfRange)
//	UPL007 - Upload not finished (PreconditionFailed)
//	UPL008 - Upload busy (Conflict)
//	UPL009 - Request cancelled       pattern "context canceled"
//	UPL010 - Request timed out       pattern "context deadline exceeded"
//
// # Integrity errors (CHK001-CHK099)
//
//	CHK001 - Size mismatch (SizeMismatch)
//	CHK002 - Checksum mismatch (ChecksumMismatch)
//	CHK003 - Missing chunk (MissingChunk)
//
// # Image errors (IMG001-IMG099)
//
//	IMG001 - Unsupported image       pattern "not a supported image"
//	IMG002 - Corrupt image           pattern "decode image"
//
// # Database errors (DB001-DB099)
//
//	DB001 - Connection refused       pattern "connection refused"
//	DB002 - Connection reset         pattern "connection reset"
//	DB003 - Deadlock                 pattern "deadlock"
//	DB004 - Timeout                  pattern "timeout"
//
// # Default (ERR000)
//
// Anything else. Support staff should look for the technical error in the
// application logs.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var (
	msgNotFound = UserMessage{
		Message: "Upload not found",
		Action:  "The upload may have expired or been cancelled. Please start a new upload",
		Code:    "UPL001",
	}
	msgBusy = UserMessage{
		Message: "System is busy processing other uploads",
		Action:  "Please wait a moment and try again",
		Code:    "UPL002",
	}
	msgInvalid = UserMessage{
		Message: "The upload request is invalid",
		Action:  "Check the file size, chunk count and upload id",
		Code:    "UPL005",
	}
	msgOutOfRange = UserMessage{
		Message: "Chunk index is out of range",
		Action:  "Send chunk indices from 0 to total chunks minus one",
		Code:    "UPL006",
	}
	msgNotCompleted = UserMessage{
		Message: "The upload has not finished yet",
		Action:  "Wait until every chunk has been uploaded and assembled",
		Code:    "UPL007",
	}
	msgConflict = UserMessage{
		Message: "The upload is being processed",
		Action:  "Please try again in a few moments",
		Code:    "UPL008",
	}
	msgSizeMismatch = UserMessage{
		Message: "Received data does not match the declared size",
		Action:  "Resend the chunk",
		Code:    "CHK001",
	}
	msgChecksumMismatch = UserMessage{
		Message: "Received data is corrupted",
		Action:  "Resend the affected chunk, or the whole file if the final check failed",
		Code:    "CHK002",
	}
	msgMissingChunk = UserMessage{
		Message: "A chunk went missing during assembly",
		Action:  "Resume the upload and resend the missing chunks",
		Code:    "CHK003",
	}
)

// kindMessages maps typed errors to messages.
var kindMessages = map[Kind]UserMessage{
	KindNotFound:           msgNotFound,
	KindInvalidArgument:    msgInvalid,
	KindPreconditionFailed: msgNotCompleted,
	KindConflict:           msgConflict,
	KindSizeMismatch:       msgSizeMismatch,
	KindChecksumMismatch:   msgChecksumMismatch,
	KindMissingChunk:       msgMissingChunk,
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns are checked before kinds, first match wins.
var errorPatterns = []errorPattern{
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds the maximum upload size",
			Action:  "Upload a smaller image",
			Code:    "UPL003",
		},
	},
	{
		pattern: "is not allowed",
		msg: UserMessage{
			Message: "This file type is not allowed",
			Action:  "Upload a JPEG, PNG, GIF or WebP image",
			Code:    "UPL004",
		},
	},
	{
		pattern: "not a supported image",
		msg: UserMessage{
			Message: "The file is not a supported image",
			Action:  "Upload a JPEG, PNG, GIF or WebP image",
			Code:    "IMG001",
		},
	},
	{
		pattern: "decode image",
		msg: UserMessage{
			Message: "The image could not be read",
			Action:  "The file may be damaged. Try exporting it again",
			Code:    "IMG002",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "UPL009",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Check your connection and resend the chunk",
			Code:    "UPL010",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to reach storage",
			Action:  "Please try again in a few moments",
			Code:    "DB001",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Storage connection was interrupted",
			Action:  "Please try again",
			Code:    "DB002",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Storage was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB003",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Please try again later",
			Code:    "DB004",
		},
	},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-friendly message.
//
//	_, err := svc.UploadChunk(ctx, req)
//	msg := core.MapError(err)
//	// msg.Code == "CHK001" for a short chunk
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	if errors.Is(err, ErrTooManyUploads) {
		return msgBusy
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	if errors.Is(err, ErrOutOfRange) || strings.Contains(errStr, ErrOutOfRange.Message) {
		return msgOutOfRange
	}
	if msg, ok := kindMessages[KindOf(err)]; ok {
		return msg
	}
	return defaultMessage
}

// FormatUserError creates a formatted error string for display:
// "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
