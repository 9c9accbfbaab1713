package model

import (
	"errors"
)

var (
	ErrInvalidStatus = errors.New("invalid status")
	ErrInvalidVhost  = errors.New("invalid vhost choice")

	ErrWorkspaceRequired = errors.New("workspace is required")
	ErrUserExclusive     = errors.New("--user and --user-file are mutually exclusive")
	ErrPasswordExclusive = errors.New("--password and --password-file are mutually exclusive")
	ErrFileNotFound      = errors.New("file does not exist")
	ErrOutputDir         = errors.New("output directory does not exist")
	ErrThreads           = errors.New("number of threads must be at least 1")
	ErrDelay             = errors.New("invalid delay")
	ErrTimeout           = errors.New("timeout must not be negative")
)
