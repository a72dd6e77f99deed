package distributed

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/specialistvlad/dirflow/internal/config"
	"github.com/specialistvlad/dirflow/internal/queue"
)

// Jobs builds the queue requests that start a task's client and worker
// jobs. Both re-enter the dirflow binary with the frozen pipeline spec.
type Jobs struct {
	Executable string
	SpecFile   string
	Task       *config.TaskSpec
	Paths      Paths
	Settings   config.Settings
	// QueueKind is forwarded so clients submit workers to the same queue.
	QueueKind string
}

// Client is the request for client generation gen. With handoff set the new
// client waits for its predecessor's ledger before admitting files.
func (j Jobs) Client(gen int, handoff bool) queue.Request {
	args := []string{
		"client",
		"--spec", j.SpecFile,
		"--task", j.Task.Name,
		"--generation", strconv.Itoa(gen),
	}
	if handoff {
		args = append(args, "--handoff")
	}
	req := queue.Request{
		Name:      fmt.Sprintf("dirflow-%s-client-%d", j.Task.Name, gen),
		Program:   j.Executable,
		Args:      args,
		Env:       j.env(),
		WorkDir:   filepath.Dir(j.SpecFile),
		LogPath:   filepath.Join(j.Paths.LogDir(), fmt.Sprintf("client-%d.log", gen)),
		TimeLimit: j.Settings.ClientLifetime,
	}
	if r := j.Task.Resources; r != nil && r.Account != "" {
		req.Resources = &config.Resources{Account: r.Account}
	}
	return req
}

// Worker is the request for worker id, requested by client generation gen.
func (j Jobs) Worker(id string, gen int) queue.Request {
	return queue.Request{
		Name:    fmt.Sprintf("dirflow-%s-worker", j.Task.Name),
		Program: j.Executable,
		Args: []string{
			"worker",
			"--spec", j.SpecFile,
			"--task", j.Task.Name,
			"--worker-id", id,
			"--generation", strconv.Itoa(gen),
		},
		Env:       j.env(),
		WorkDir:   filepath.Dir(j.SpecFile),
		LogPath:   filepath.Join(j.Paths.LogDir(), "worker-"+id+".log"),
		Resources: j.Task.Resources,
	}
}

// env forwards the DIRFLOW_* tunables of the submitting process.
func (j Jobs) env() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, config.EnvPrefix) && !strings.HasPrefix(kv, config.EnvPrefix+"QUEUE=") {
			env = append(env, kv)
		}
	}
	if j.QueueKind != "" {
		env = append(env, config.EnvPrefix+"QUEUE="+j.QueueKind)
	}
	return env
}

// JobID is the queue id of the current process: the Slurm job id when
// running under Slurm, otherwise the pid, which is what the local queue
// reports.
func JobID() queue.JobID {
	if id := os.Getenv("SLURM_JOB_ID"); id != "" {
		return queue.JobID(id)
	}
	return queue.JobID(strconv.Itoa(os.Getpid()))
}
