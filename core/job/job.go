// Package job launches parsed commands as process groups and tracks them until
// they terminate.
//
// A Command becomes a Job through the Launcher: Wire decides where each
// stage's stdin and stdout come from, the Launcher forks and execs one process
// per stage, and the Controller groups them and hands the terminal to
// foreground jobs. The Reaper is the only code in the shell that collects
// child statuses, the Router feeds it SIGCHLD notifications and forwards
// SIGINT to the foreground job.
package job

import (
	"fmt"
	"io"
	"log"

	"github.com/josephlewis42/jobsh/core/command"
	"golang.org/x/sys/unix"
)

// State is the lifecycle state of one pipeline stage.
type State int

const (
	// Running stages have been started and not yet collected.
	Running State = iota
	// Exited stages terminated normally, Status.Code holds the exit code.
	Exited
	// Signaled stages were killed by Status.Signal.
	Signaled
	// Failed stages never ran, Status.Code holds the shell-style status.
	Failed
)

// Exit codes for stages that couldn't be started.
const (
	CodeRedirectFailed = 1
	CodeNotExecutable  = 126
	CodeNotFound       = 127
)

// Status is the completion state of a stage.
type Status struct {
	State  State
	Code   int
	Signal unix.Signal
}

// ExitCode converts the status into a shell exit code, 128+n for signals.
func (s Status) ExitCode() int {
	switch s.State {
	case Signaled:
		return 128 + int(s.Signal)
	case Exited, Failed:
		return s.Code
	default:
		return 0
	}
}

func (s Status) String() string {
	switch s.State {
	case Running:
		return "running"
	case Exited:
		return fmt.Sprintf("exited (%d)", s.Code)
	case Signaled:
		return fmt.Sprintf("signaled (%s)", unix.SignalName(s.Signal))
	case Failed:
		return fmt.Sprintf("failed (%d)", s.Code)
	default:
		return "unknown"
	}
}

func statusFromWait(ws unix.WaitStatus) Status {
	switch {
	case ws.Signaled():
		return Status{State: Signaled, Signal: ws.Signal()}
	default:
		return Status{State: Exited, Code: ws.ExitStatus()}
	}
}

// Job is a launched command.
type Job struct {
	Command *command.Command

	// Pgid is the process group shared by every stage, 0 if no stage started.
	Pgid int
	// Pids holds one entry per stage in execution order, 0 for stages that
	// never started.
	Pids []int

	Foreground bool

	statuses []Status
	waits    []<-chan Status
	handoff  bool

	ctl *Controller
	log *log.Logger
}

func newJob(cmd *command.Command, ctl *Controller, logger *log.Logger) *Job {
	return &Job{
		Command:    cmd,
		Pids:       make([]int, len(cmd.Stages)),
		Foreground: !cmd.Background,
		statuses:   make([]Status, len(cmd.Stages)),
		waits:      make([]<-chan Status, len(cmd.Stages)),
		ctl:        ctl,
		log:        logger,
	}
}

func (j *Job) fail(stage, code int) {
	j.statuses[stage] = Status{State: Failed, Code: code}
}

// Wait blocks until every stage of a foreground job has terminated, then
// gives the terminal back to the shell. Background jobs are never waited on,
// Wait returns their current statuses right away.
func (j *Job) Wait() []Status {
	if !j.Foreground {
		return j.Statuses()
	}

	for i, ch := range j.waits {
		if ch == nil {
			continue
		}
		j.statuses[i] = <-ch
		j.waits[i] = nil
		j.log.Printf("job %d: stage %d (pid %d) %s", j.Pgid, i, j.Pids[i], j.statuses[i])
	}

	if j.handoff {
		j.ctl.Reclaim()
		j.handoff = false
	}

	return j.Statuses()
}

// Statuses returns a copy of the per-stage statuses.
func (j *Job) Statuses() []Status {
	out := make([]Status, len(j.statuses))
	copy(out, j.statuses)
	return out
}

// ExitCode returns the exit code of the last stage, the way shells report the
// status of a pipeline.
func (j *Job) ExitCode() int {
	if len(j.statuses) == 0 {
		return 0
	}
	return j.statuses[len(j.statuses)-1].ExitCode()
}

func orDiscard(logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return logger
}
