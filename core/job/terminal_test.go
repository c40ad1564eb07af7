package job

import (
	"bytes"
	"os"
	"os/exec"
	"syscall"
	"testing"

	"github.com/creack/pty"
	"github.com/josephlewis42/jobsh/core/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// terminalHelperEnv marks the copy of the test binary that runs as session
// leader on a pseudo-terminal.
const terminalHelperEnv = "JOBSH_TERMINAL_HELPER"

func TestTerminalHandoff(t *testing.T) {
	if os.Getenv(terminalHelperEnv) != "" {
		t.Skip("running as helper")
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pseudo-terminal: %v", err)
	}
	defer ptmx.Close()
	defer tty.Close()

	var out bytes.Buffer
	cmd := exec.Command(os.Args[0], "-test.run=^TestTerminalHandoffHelper$", "-test.v")
	cmd.Env = append(os.Environ(), terminalHelperEnv+"=1")
	cmd.Stdin = tty
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}

	assert.NoError(t, cmd.Run(), out.String())
	assert.Contains(t, out.String(), "--- PASS: TestTerminalHandoffHelper")
}

// TestTerminalHandoffHelper runs with stdin as its controlling terminal.
func TestTerminalHandoffHelper(t *testing.T) {
	if os.Getenv(terminalHelperEnv) == "" {
		t.Skip("only runs under TestTerminalHandoff")
	}

	tty := int(os.Stdin.Fd())
	foreground := func() int {
		pgid, err := unix.IoctlGetInt(tty, unix.TIOCGPGRP)
		require.NoError(t, err)
		return pgid
	}

	ctl := NewController(tty, nil)
	reaper := NewReaper(nil)
	router := NewRouter(ctl, reaper, nil)
	router.Start()
	defer router.Stop()

	require.NoError(t, ctl.TakeTerminal())
	require.True(t, ctl.Interactive())
	assert.Equal(t, ctl.ShellPgid(), foreground())

	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer devnull.Close()

	// Stages read the terminal, output is dropped so no stray sleep keeps the
	// parent's pipe open.
	launcher := &Launcher{
		Stdout:     devnull,
		Stderr:     devnull,
		Controller: ctl,
		Reaper:     reaper,
	}

	job, err := launcher.Launch(&command.Command{Stages: []command.Stage{
		{Args: []string{"sleep", "30"}},
		{Args: []string{"sleep", "30"}},
	}})
	require.NoError(t, err)

	// The job owns the terminal while it runs.
	assert.Equal(t, job.Pgid, foreground())
	assert.Equal(t, job.Pgid, ctl.Foreground())

	require.NoError(t, unix.Kill(-job.Pgid, unix.SIGKILL))
	for _, s := range job.Wait() {
		assert.Equal(t, Status{State: Signaled, Signal: unix.SIGKILL}, s)
	}

	// Wait gave it back.
	assert.Equal(t, ctl.ShellPgid(), foreground())
	assert.Equal(t, 0, ctl.Foreground())

	// Background jobs never take it.
	bg, err := launcher.Launch(&command.Command{
		Stages:     []command.Stage{{Args: []string{"sleep", "30"}}},
		Background: true,
	})
	require.NoError(t, err)
	defer unix.Kill(-bg.Pgid, unix.SIGKILL)
	assert.Equal(t, ctl.ShellPgid(), foreground())
}
