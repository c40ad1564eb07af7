package job

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// NoTerminal is the terminal descriptor of a Controller that doesn't manage
// terminal ownership, e.g. when input isn't a TTY.
const NoTerminal = -1

// Controller owns the session state: the controlling terminal, the shell's
// process group and the group of the job currently in the foreground.
//
// The foreground marker is written by the launching goroutine and read by the
// signal router.
type Controller struct {
	tty       int
	shellPgid int

	foreground atomic.Int64

	log *log.Logger
}

// NewController creates a controller for the terminal open on tty, pass
// NoTerminal to only group processes without touching terminal ownership.
func NewController(tty int, logger *log.Logger) *Controller {
	return &Controller{
		tty:       tty,
		shellPgid: unix.Getpgrp(),
		log:       orDiscard(logger),
	}
}

// Interactive returns true if the controller manages a terminal.
func (c *Controller) Interactive() bool {
	return c.tty != NoTerminal
}

// ShellPgid returns the shell's own process group.
func (c *Controller) ShellPgid() int {
	return c.shellPgid
}

// TakeTerminal puts the shell in its own process group and makes that group
// the terminal's foreground group. SIGTTOU must already be ignored.
func (c *Controller) TakeTerminal() error {
	if !c.Interactive() {
		return nil
	}

	if unix.Getpgrp() != os.Getpid() {
		if err := unix.Setpgid(0, 0); err != nil {
			return fmt.Errorf("couldn't put shell in its own process group: %w", err)
		}
	}
	c.shellPgid = unix.Getpgrp()

	if err := tcsetpgrp(c.tty, c.shellPgid); err != nil {
		return fmt.Errorf("couldn't take terminal: %w", err)
	}
	return nil
}

// ProcAttr returns the pre-exec setup for a stage of the group pgid (0 makes
// the child the leader of a new group). Foreground children also move their
// group to the terminal's foreground before exec.
func (c *Controller) ProcAttr(pgid int, foreground bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    pgid,
	}
	if foreground && c.Interactive() {
		attr.Foreground = true
		attr.Ctty = c.tty
	}
	return attr
}

// Join puts pid in the process group pgid from the parent side. The child
// does the same before exec, whichever runs second is a no-op.
func (c *Controller) Join(pid, pgid int) {
	err := unix.Setpgid(pid, pgid)
	switch {
	case err == nil:
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.ESRCH):
		// The child already exec'd or exited, it joined the group itself.
	default:
		c.log.Printf("setpgid(%d, %d): %v", pid, pgid, err)
	}
}

// Handoff marks pgid as the foreground job and gives it the terminal.
func (c *Controller) Handoff(pgid int) {
	c.foreground.Store(int64(pgid))

	if !c.Interactive() {
		return
	}
	if err := tcsetpgrp(c.tty, pgid); err != nil {
		c.log.Printf("tcsetpgrp(%d): %v", pgid, err)
	}
}

// Reclaim gives the terminal back to the shell and clears the foreground
// marker.
func (c *Controller) Reclaim() {
	if c.Interactive() {
		if err := tcsetpgrp(c.tty, c.shellPgid); err != nil {
			c.log.Printf("tcsetpgrp(%d): %v", c.shellPgid, err)
		}
	}

	c.foreground.Store(0)
}

// Foreground returns the process group of the running foreground job or 0.
func (c *Controller) Foreground() int {
	return int(c.foreground.Load())
}

func tcsetpgrp(fd, pgid int) error {
	return unix.IoctlSetPointerInt(fd, unix.TIOCSPGRP, pgid)
}
