package job

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"syscall"

	"github.com/josephlewis42/jobsh/core/command"
	"golang.org/x/sys/unix"
)

// Launcher starts commands as jobs.
type Launcher struct {
	// Stdin, Stdout and Stderr are the streams stages inherit, the shell's own
	// streams if nil.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// Env is the environment of the stages, the shell's own if nil.
	Env []string

	// MaxStages bounds the pipeline length, command.DefaultMaxStages if 0.
	MaxStages int

	Controller *Controller
	Reaper     *Reaper
	Log        *log.Logger

	// LookPath resolves program names, exec.LookPath if nil.
	LookPath func(file string) (string, error)
}

// ErrResource is returned when the shell couldn't allocate a pipe or a
// process, stages started before the failure still belong to the returned job.
var ErrResource = errors.New("couldn't allocate resources for job")

// Launch starts every stage of cmd and returns the job. Failures local to a
// stage (missing program, redirection that can't be opened) are reported on
// Stderr and recorded in the stage's status, the other stages still run.
//
// A nil job is only returned if cmd is invalid. A non-nil job is returned with
// ErrResource if the launch stopped half way, it must still be waited on.
func (l *Launcher) Launch(cmd *command.Command) (*Job, error) {
	if err := cmd.Validate(l.maxStages()); err != nil {
		return nil, err
	}

	logger := orDiscard(l.Log)
	job := newJob(cmd, l.Controller, logger)
	plan := Wire(cmd)

	var err error
	l.Reaper.Hold(func(track TrackFunc) {
		err = l.spawnAll(job, plan, track)
	})

	if job.Pgid != 0 {
		mode := "foreground"
		if !job.Foreground {
			mode = "background"
		}
		logger.Printf("job %d: started %s %q pids=%v", job.Pgid, mode, cmd.String(), job.Pids)
	}
	return job, err
}

// pipe is one inter-stage channel, ends are set to nil once the parent closed
// them.
type pipe struct {
	r, w *os.File
}

func (l *Launcher) spawnAll(job *Job, plan Plan, track TrackFunc) error {
	pipes := make([]pipe, plan.Channels)
	defer func() {
		for _, p := range pipes {
			closeFile(p.r)
			closeFile(p.w)
		}
	}()

	for i, stage := range job.Command.Stages {
		wiring := plan.Stages[i]

		if wiring.Stdout.Kind == Channel {
			r, w, err := os.Pipe()
			if err != nil {
				l.abort(job, i)
				return fmt.Errorf("pipe: %v: %w", err, ErrResource)
			}
			pipes[wiring.Stdout.Channel] = pipe{r: r, w: w}
		}

		err := l.spawn(job, i, stage, wiring, pipes, track)

		// The parent never uses the pipe ends it handed to the stage, close them
		// so readers see EOF once the writers exit.
		if wiring.Stdin.Kind == Channel {
			p := &pipes[wiring.Stdin.Channel]
			closeFile(p.r)
			p.r = nil
		}
		if wiring.Stdout.Kind == Channel {
			p := &pipes[wiring.Stdout.Channel]
			closeFile(p.w)
			p.w = nil
		}

		if err != nil {
			l.abort(job, i+1)
			return err
		}
	}

	return nil
}

// spawn starts a single stage. Errors local to the stage are reported and
// recorded, only resource errors are returned.
func (l *Launcher) spawn(job *Job, i int, stage command.Stage, wiring StageIO, pipes []pipe, track TrackFunc) error {
	stdin, closeIn, err := l.openEndpoint(wiring.Stdin, pipes, false)
	if err != nil {
		l.report("%s: %v", wiring.Stdin.Path, unwrapPathError(err))
		job.fail(i, CodeRedirectFailed)
		return nil
	}
	defer closeIn()

	stdout, closeOut, err := l.openEndpoint(wiring.Stdout, pipes, true)
	if err != nil {
		l.report("%s: %v", wiring.Stdout.Path, unwrapPathError(err))
		job.fail(i, CodeRedirectFailed)
		return nil
	}
	defer closeOut()

	path, err := l.lookPath(stage.Name())
	if err != nil {
		code := CodeNotExecutable
		if errors.Is(err, exec.ErrNotFound) {
			l.report("%s: command not found", stage.Name())
			code = CodeNotFound
		} else {
			l.report("%s: %v", stage.Name(), unwrapPathError(err))
		}
		job.fail(i, code)
		return nil
	}

	pid, err := syscall.ForkExec(path, stage.Args, &syscall.ProcAttr{
		Env:   l.environ(),
		Files: []uintptr{stdin.Fd(), stdout.Fd(), l.stderr().Fd()},
		Sys:   l.Controller.ProcAttr(job.Pgid, job.Foreground),
	})
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOMEM) {
			job.fail(i, CodeNotExecutable)
			return fmt.Errorf("fork %s: %v: %w", stage.Name(), err, ErrResource)
		}
		l.report("%s: %v", stage.Name(), err)
		job.fail(i, CodeNotExecutable)
		return nil
	}

	if job.Pgid == 0 {
		job.Pgid = pid
	}
	l.Controller.Join(pid, job.Pgid)

	job.Pids[i] = pid
	job.statuses[i] = Status{State: Running}
	job.waits[i] = track(pid, job.Foreground)

	if job.Foreground && !job.handoff {
		l.Controller.Handoff(job.Pgid)
		job.handoff = true
	}
	return nil
}

// abort marks every stage from index start on as never started.
func (l *Launcher) abort(job *Job, start int) {
	for i := start; i < len(job.statuses); i++ {
		job.fail(i, CodeRedirectFailed)
	}
}

func (l *Launcher) openEndpoint(ep Endpoint, pipes []pipe, output bool) (*os.File, func(), error) {
	nop := func() {}

	switch ep.Kind {
	case Channel:
		if output {
			return pipes[ep.Channel].w, nop, nil
		}
		return pipes[ep.Channel].r, nop, nil

	case File:
		var fd *os.File
		var err error
		if output {
			fd, err = os.OpenFile(ep.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		} else {
			fd, err = os.Open(ep.Path)
		}
		if err != nil {
			return nil, nop, err
		}
		return fd, func() { fd.Close() }, nil

	default:
		if output {
			return l.stdout(), nop, nil
		}
		return l.stdin(), nop, nil
	}
}

func (l *Launcher) report(format string, a ...interface{}) {
	fmt.Fprintf(l.stderr(), "jobsh: "+format+"\n", a...)
}

func (l *Launcher) maxStages() int {
	if l.MaxStages > 0 {
		return l.MaxStages
	}
	return command.DefaultMaxStages
}

func (l *Launcher) lookPath(file string) (string, error) {
	lookPath := l.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	path, err := lookPath(file)
	if errors.Is(err, exec.ErrDot) {
		// Shells run programs found through "." in PATH.
		err = nil
	}
	return path, err
}

func (l *Launcher) environ() []string {
	if l.Env != nil {
		return l.Env
	}
	return os.Environ()
}

func (l *Launcher) stdin() *os.File {
	if l.Stdin != nil {
		return l.Stdin
	}
	return os.Stdin
}

func (l *Launcher) stdout() *os.File {
	if l.Stdout != nil {
		return l.Stdout
	}
	return os.Stdout
}

func (l *Launcher) stderr() *os.File {
	if l.Stderr != nil {
		return l.Stderr
	}
	return os.Stderr
}

func closeFile(f *os.File) {
	if f != nil {
		f.Close()
	}
}

// unwrapPathError strips the operation and path from os errors so diagnostics
// read "jobsh: in.txt: no such file or directory".
func unwrapPathError(err error) error {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return execErr.Err
	}
	return err
}
