package shared

import "fmt"

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")

	// Provider errors
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrArtistNotFound     = fmt.Errorf("artist not found")
	ErrTimeout            = fmt.Errorf("operation timed out")

	// Persistence errors
	ErrDatastore = fmt.Errorf("datastore error")
	ErrNotFound  = fmt.Errorf("record not found")

	// Import errors
	ErrAlreadyRunning = fmt.Errorf("import already running")
	ErrQueueFull      = fmt.Errorf("import queue is full")
	ErrSuperseded     = fmt.Errorf("superseded by another import")
	ErrJobNotFound    = fmt.Errorf("job not found")
	ErrJobRunning     = fmt.Errorf("job already running")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
)
