package pipeline

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/tablerelay/internal/model"
)

// IntegrityError means rows went missing or appeared between two stages.
// Replication stops: retrying cannot repair it.
type IntegrityError struct {
	Block    model.Key
	Stage    string
	Expected int64
	Actual   int64
	Detail   string
}

func (e *IntegrityError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("integrity violation in block %s (%s): %s", e.Block, e.Stage, e.Detail)
	}
	return fmt.Sprintf("integrity violation in block %s (%s): expected %d rows, got %d", e.Block, e.Stage, e.Expected, e.Actual)
}

// ConfigError is a configuration the process refuses to start with.
type ConfigError struct {
	Activity string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Activity == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration of activity %q: %s", e.Activity, e.Reason)
}

// OperationError is a remote operation that failed and must not be retried.
type OperationError struct {
	Block       model.Key
	OperationID string
	Status      string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s for block %s failed permanently: %s", e.OperationID, e.Block, e.Status)
}

// IsFatal reports whether err should stop the process rather than be retried.
func IsFatal(err error) bool {
	var integrity *IntegrityError
	var config *ConfigError
	var operation *OperationError
	return errors.As(err, &integrity) || errors.As(err, &config) || errors.As(err, &operation)
}
