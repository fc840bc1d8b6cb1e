package importer

import "errors"

var (
	ErrJobNotFound             = errors.New("import job not found")
	ErrJobFinished             = errors.New("import job already finished")
	ErrNotWaiting              = errors.New("import job is not waiting for input")
	ErrRequirementNotRequested = errors.New("requirement not requested for this import")
	ErrInvalidInput            = errors.New("invalid import input")
	ErrAttemptsExhausted       = errors.New("password attempts exhausted")
	ErrRunInFlight             = errors.New("import run already in flight")
	ErrRequirementsPending     = errors.New("import requirements still pending")
	ErrUnsupportedFile         = errors.New("unsupported file type")
	ErrEmptyFile               = errors.New("empty file")
)
