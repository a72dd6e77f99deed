package runner

import (
	"fmt"
	"time"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/task"
)

// NewLocal builds the in-process runner matching spec.Kind.
func NewLocal(spec *config.TaskSpec, logic task.Logic, interval time.Duration) (Runner, error) {
	switch spec.Kind {
	case config.KindSequential:
		return NewSequential(spec, logic, interval)
	case config.KindConcurrent:
		return NewConcurrent(spec, logic, interval)
	default:
		return nil, fmt.Errorf("task '%s': kind '%s' is not a local execution model", spec.Name, spec.Kind)
	}
}
