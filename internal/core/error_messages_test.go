package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "nil error returns empty",
			err:      nil,
			wantCode: "",
		},
		{
			name:     "not found",
			err:      newError(KindNotFound, "get upload", "upload not found: x", nil),
			wantCode: "UPL001",
		},
		{
			name:     "limiter busy",
			err:      fmt.Errorf("assemble: %w", ErrTooManyUploads),
			wantCode: "UPL002",
		},
		{
			name:     "file too large beats invalid argument",
			err:      newError(KindInvalidArgument, "initialize upload", "file too large: 60 bytes exceeds limit of 50", nil),
			wantCode: "UPL003",
		},
		{
			name:     "mime not allowed",
			err:      newError(KindInvalidArgument, "initialize upload", `mime type "application/pdf" is not allowed`, nil),
			wantCode: "UPL004",
		},
		{
			name:     "generic invalid argument",
			err:      newError(KindInvalidArgument, "initialize upload", "filename is required", nil),
			wantCode: "UPL005",
		},
		{
			name:     "out of range",
			err:      newError(KindInvalidArgument, "upload chunk", "chunk index out of range: 9 not in [0, 5)", nil),
			wantCode: "UPL006",
		},
		{
			name:     "precondition",
			err:      newError(KindPreconditionFailed, "attach to entity", "upload is uploading, not completed", nil),
			wantCode: "UPL007",
		},
		{
			name:     "conflict",
			err:      newError(KindConflict, "delete upload", "assembly in progress", nil),
			wantCode: "UPL008",
		},
		{
			name:     "size mismatch",
			err:      newError(KindSizeMismatch, "put chunk", "chunk 1 has 3 bytes, declared 4", nil),
			wantCode: "CHK001",
		},
		{
			name:     "checksum mismatch",
			err:      newError(KindChecksumMismatch, "assemble upload", "assembled object does not match declared checksum", nil),
			wantCode: "CHK002",
		},
		{
			name:     "missing chunk",
			err:      newError(KindMissingChunk, "assemble upload", "chunk 2 is missing", nil),
			wantCode: "CHK003",
		},
		{
			name:     "unsupported image",
			err:      newError(KindInvalidArgument, "generate variants", "assembled object is not a supported image", nil),
			wantCode: "IMG001",
		},
		{
			name:     "untyped connection refused",
			err:      errors.New("dial tcp 127.0.0.1:5432: connection refused"),
			wantCode: "DB001",
		},
		{
			name:     "case insensitive matching",
			err:      errors.New("ERROR: DEADLOCK detected"),
			wantCode: "DB003",
		},
		{
			name:     "unknown error returns default",
			err:      errors.New("some random internal error"),
			wantCode: "ERR000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	err := newError(KindSizeMismatch, "put chunk", "chunk 0 has 1 bytes, declared 2", nil)

	expected := "Received data does not match the declared size (Code: CHK001). Resend the chunk"
	if got := FormatUserError(err); got != expected {
		t.Errorf("FormatUserError() = %q, want %q", got, expected)
	}
	if got := FormatUserError(nil); got != "" {
		t.Errorf("FormatUserError(nil) = %q, want empty", got)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not user facing", nil, false},
		{"typed error is user facing", ErrConflict, true},
		{"unknown error is not user facing", errors.New("random internal error xyz"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}
