package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPrompt is returned when a request carries no prompt.
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrAlreadyStreamed is yielded when Chunks is traversed a second time.
	ErrAlreadyStreamed = errors.New("response already streamed")
)

// ConfigurationError reports a request that failed before any production
// started: a missing identifier or an unusable credential.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ConstructionError reports a failure to build the session's agent. The
// failed handle is never cached, so the next request tries again.
type ConstructionError struct {
	SessionID string
	Err       error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("agent construction for session %s failed: %v", e.SessionID, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// ProductionError reports a failure while driving the agent or forwarding
// its output. The client sees it as the final chunk of the stream.
type ProductionError struct {
	Err error
}

func (e *ProductionError) Error() string {
	return fmt.Sprintf("production failed: %v", e.Err)
}

func (e *ProductionError) Unwrap() error {
	return e.Err
}

// ErrorChunk renders err the way it is shown to the client.
func ErrorChunk(err error) string {
	if err == nil {
		return "Error: unknown error"
	}
	return "Error: " + cause(err).Error()
}

// cause strips the orchestrator's own wrappers so the client sees the
// underlying message.
func cause(err error) error {
	for {
		switch e := err.(type) {
		case *ProductionError:
			if e.Err == nil {
				return err
			}
			err = e.Err
		case *ConstructionError:
			if e.Err == nil {
				return err
			}
			err = e.Err
		default:
			return err
		}
	}
}
