package importer

// # Error Codes Reference
//
// This file maps technical errors to user-friendly messages with codes for
// support reference. The API returns them in error bodies and the CLI prints
// them instead of raw errors.
//
// # Archive Errors (ARC001-ARC099)
//
//	ARC001 - Corrupt archive: The file is not a readable project archive
//	         Patterns: "corrupt project archive"
//	ARC002 - Wrong password: The project password is incorrect
//	         Patterns: "decryption failed"
//	ARC003 - Password missing: The project is password protected
//	         Patterns: "password required"
//	ARC004 - No project data: The archive contains no project topology
//	         Patterns: "no project data"
//	ARC006 - Unreadable project: The project file could not be parsed
//	         Patterns: "failed to parse project file"
//
// # Keyring Errors (KEY001-KEY099)
//
//	KEY001 - Wrong keyring password
//	         Patterns: "keyring password incorrect"
//	KEY002 - Keyring unreadable
//	         Patterns: "keyring unreadable"
//
// # Import Errors (IMP001-IMP099)
//
//	IMP001 - Import not found               "import job not found"
//	IMP002 - Import not waiting for input   "not waiting for input"
//	IMP003 - Input not requested            "requirement not requested"
//	IMP004 - Invalid input                  "invalid import input"
//	IMP005 - Password attempts exhausted    "attempts exhausted"
//	IMP006 - System busy                    "too many concurrent imports"
//	IMP007 - Import already finished        "already finished"
//	IMP008 - Import timed out               "import timed out"
//	IMP009 - Wrong file type                "unsupported file type"
//	IMP010 - Empty file                     "empty file"
//	IMP011 - Request cancelled              "context canceled"
//
// # Other Errors
//
//	FILE001 - File too large                "file too large", "request body too large"
//	DB004   - Database unreachable          "connection refused"
//	DB006   - Database timeout              "timeout"
//	RATE001 - Rate limited                  "rate limit"
//	ERR000  - Fallback when nothing matches
//
// Patterns are matched case-insensitively with strings.Contains and the
// first match wins, so specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Archive errors
	{
		pattern: "corrupt project archive",
		msg: UserMessage{
			Message: "The file is not a readable project archive",
			Action:  "Export the project again and upload the .knxproj file",
			Code:    "ARC001",
		},
	},
	{
		pattern: "decryption failed",
		msg: UserMessage{
			Message: "The project password is incorrect",
			Action:  "Check the password set when the project was exported",
			Code:    "ARC002",
		},
	},
	{
		pattern: "password required",
		msg: UserMessage{
			Message: "The project is password protected",
			Action:  "Provide the project password",
			Code:    "ARC003",
		},
	},
	{
		pattern: "no project data",
		msg: UserMessage{
			Message: "The archive contains no project data",
			Action:  "Make sure the file is a project export, not a catalog or backup",
			Code:    "ARC004",
		},
	},
	{
		pattern: "failed to parse project file",
		msg: UserMessage{
			Message: "The project file could not be read",
			Action:  "Export the project again and retry the import",
			Code:    "ARC006",
		},
	},

	// Keyring errors
	{
		pattern: "keyring password incorrect",
		msg: UserMessage{
			Message: "The keyring password is incorrect",
			Action:  "Check the password chosen when the keyring was exported",
			Code:    "KEY001",
		},
	},
	{
		pattern: "keyring unreadable",
		msg: UserMessage{
			Message: "The keyring file could not be read",
			Action:  "Upload the keyring exported together with the project",
			Code:    "KEY002",
		},
	},

	// Import errors
	{
		pattern: "import job not found",
		msg: UserMessage{
			Message: "Import not found",
			Action:  "The import may have been released. Start a new import",
			Code:    "IMP001",
		},
	},
	{
		pattern: "not waiting for input",
		msg: UserMessage{
			Message: "The import is not waiting for input",
			Action:  "Refresh the import status",
			Code:    "IMP002",
		},
	},
	{
		pattern: "requirement not requested",
		msg: UserMessage{
			Message: "This input was not requested for the import",
			Action:  "Only provide the inputs listed by the import",
			Code:    "IMP003",
		},
	},
	{
		pattern: "invalid import input",
		msg: UserMessage{
			Message: "The provided value is not valid",
			Action:  "Check the value and try again",
			Code:    "IMP004",
		},
	},
	{
		pattern: "attempts exhausted",
		msg: UserMessage{
			Message: "Too many wrong passwords",
			Action:  "Start a new import with the correct password",
			Code:    "IMP005",
		},
	},
	{
		pattern: "too many concurrent imports",
		msg: UserMessage{
			Message: "System is busy processing other imports",
			Action:  "Please wait a moment and try again",
			Code:    "IMP006",
		},
	},
	{
		pattern: "already finished",
		msg: UserMessage{
			Message: "The import has already finished",
			Action:  "Start a new import if needed",
			Code:    "IMP007",
		},
	},
	{
		pattern: "import timed out",
		msg: UserMessage{
			Message: "The import took too long",
			Action:  "Try again later or import a smaller project",
			Code:    "IMP008",
		},
	},
	{
		pattern: "unsupported file type",
		msg: UserMessage{
			Message: "Only .knxproj files can be imported",
			Action:  "Select a project file exported from ETS",
			Code:    "IMP009",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The uploaded file is empty",
			Action:  "Please select a project file",
			Code:    "IMP010",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "IMP011",
		},
	},

	// Transport and storage errors
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds maximum size limit",
			Action:  "Remove unused catalog entries from the project and export again",
			Code:    "FILE001",
		},
	},
	{
		pattern: "request body too large",
		msg: UserMessage{
			Message: "File exceeds maximum size limit",
			Action:  "Remove unused catalog entries from the project and export again",
			Code:    "FILE001",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Please try again later",
			Code:    "DB006",
		},
	},
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. If no
// pattern matches, a generic fallback with code ERR000 is returned.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	return mapMessage(err.Error())
}

// MapMessage maps a recorded error string, such as Job.Error.
func MapMessage(msg string) UserMessage {
	if msg == "" {
		return UserMessage{}
	}
	return mapMessage(msg)
}

func mapMessage(s string) UserMessage {
	s = strings.ToLower(s)
	for _, ep := range errorPatterns {
		if strings.Contains(s, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern rather than the
// ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
