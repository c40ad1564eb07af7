package job

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/josephlewis42/jobsh/core/command"
	"github.com/josephlewis42/jobsh/core/parse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type testEngine struct {
	dir      string
	launcher *Launcher
	router   *Router
	stdout   *os.File
	stderr   *os.File
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	dir := t.TempDir()
	open := func(name string) *os.File {
		fd, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		t.Cleanup(func() { fd.Close() })
		return fd
	}

	stdin, err := os.Open(os.DevNull)
	require.NoError(t, err)
	t.Cleanup(func() { stdin.Close() })

	ctl := NewController(NoTerminal, nil)
	reaper := NewReaper(nil)
	router := NewRouter(ctl, reaper, nil)
	router.Start()
	t.Cleanup(router.Stop)

	e := &testEngine{
		dir:    dir,
		router: router,
		stdout: open("stdout"),
		stderr: open("stderr"),
	}
	e.launcher = &Launcher{
		Stdin:      stdin,
		Stdout:     e.stdout,
		Stderr:     e.stderr,
		Controller: ctl,
		Reaper:     reaper,
	}
	return e
}

func (e *testEngine) path(name string) string {
	return filepath.Join(e.dir, name)
}

func (e *testEngine) launch(t *testing.T, line string) (*Job, error) {
	t.Helper()

	parsed, err := parse.Parse(line)
	require.NoError(t, err)
	cmd, err := command.FromParsed(parsed)
	require.NoError(t, err)

	return e.launcher.Launch(cmd)
}

func (e *testEngine) read(t *testing.T, name string) string {
	t.Helper()

	out, err := os.ReadFile(e.path(name))
	require.NoError(t, err)
	return string(out)
}

func killGroup(t *testing.T, pgid int) {
	t.Cleanup(func() {
		unix.Kill(-pgid, unix.SIGKILL)
	})
}

func openFds(t *testing.T) int {
	t.Helper()

	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

func TestLaunch_pipeline(t *testing.T) {
	e := newTestEngine(t)

	job, err := e.launch(t, `printf 'a\nb\nc\n' | sort -r | wc -l > `+e.path("out"))
	require.NoError(t, err)
	assert.True(t, job.Foreground)
	assert.Len(t, job.Pids, 3)
	assert.Equal(t, job.Pids[0], job.Pgid)

	statuses := job.Wait()
	for i, s := range statuses {
		assert.Equal(t, Status{State: Exited}, s, "stage %d", i)
	}
	assert.Equal(t, 0, job.ExitCode())
	assert.Equal(t, "3", strings.TrimSpace(e.read(t, "out")))
	assert.Equal(t, 0, e.launcher.Controller.Foreground())
}

func TestLaunch_sharedGroup(t *testing.T) {
	e := newTestEngine(t)

	job, err := e.launch(t, "sleep 30 | sleep 30 | sleep 30 &")
	require.NoError(t, err)
	killGroup(t, job.Pgid)

	for _, pid := range job.Pids {
		pgid, err := unix.Getpgid(pid)
		require.NoError(t, err)
		assert.Equal(t, job.Pgid, pgid)
	}
	assert.NotEqual(t, e.launcher.Controller.ShellPgid(), job.Pgid)
}

func TestLaunch_byteForByte(t *testing.T) {
	e := newTestEngine(t)

	in := e.path("in")
	data := strings.Repeat("0123456789abcdef\n", 64*1024)
	require.NoError(t, os.WriteFile(in, []byte(data), 0644))

	job, err := e.launch(t, "cat < "+in+" | cat | cat > "+e.path("out"))
	require.NoError(t, err)
	job.Wait()

	assert.Equal(t, 0, job.ExitCode())
	assert.Equal(t, data, e.read(t, "out"))
}

func TestLaunch_outputTruncates(t *testing.T) {
	e := newTestEngine(t)

	out := e.path("out")
	require.NoError(t, os.WriteFile(out, []byte("a much longer previous content\n"), 0600))

	job, err := e.launch(t, "echo short > "+out)
	require.NoError(t, err)
	job.Wait()

	assert.Equal(t, "short\n", e.read(t, "out"))
}

func TestLaunch_noLeakedDescriptors(t *testing.T) {
	e := newTestEngine(t)

	// Start the runtime poller before counting, pipes register with it.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	r.Close()
	w.Close()

	before := openFds(t)
	job, err := e.launch(t, "echo hi | cat | cat | cat > "+e.path("out"))
	require.NoError(t, err)
	assert.Equal(t, before, openFds(t))

	job.Wait()
	assert.Equal(t, "hi\n", e.read(t, "out"))
	assert.Equal(t, before, openFds(t))
}

func TestLaunch_background(t *testing.T) {
	e := newTestEngine(t)

	start := time.Now()
	job, err := e.launch(t, "sleep 30 &")
	require.NoError(t, err)
	killGroup(t, job.Pgid)

	assert.False(t, job.Foreground)
	assert.Equal(t, []Status{{State: Running}}, job.Wait())
	assert.True(t, time.Since(start) < 5*time.Second, "background launch blocked")
	assert.Equal(t, 0, e.launcher.Controller.Foreground())
}

func TestLaunch_backgroundReaped(t *testing.T) {
	e := newTestEngine(t)

	job, err := e.launch(t, "true &")
	require.NoError(t, err)
	assert.Equal(t, []Status{{State: Running}}, job.Wait())

	deadline := time.Now().Add(10 * time.Second)
	for e.launcher.Reaper.Tracked() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, e.launcher.Reaper.Tracked())

	// Collected, not left as a zombie.
	assert.Equal(t, unix.ESRCH, unix.Kill(job.Pgid, 0))
}

func TestInterrupt(t *testing.T) {
	e := newTestEngine(t)

	bg, err := e.launch(t, "sleep 30 &")
	require.NoError(t, err)
	killGroup(t, bg.Pgid)

	fg, err := e.launch(t, "sleep 30 | sleep 30")
	require.NoError(t, err)
	killGroup(t, fg.Pgid)
	assert.Equal(t, fg.Pgid, e.launcher.Controller.Foreground())

	e.router.handle(syscall.SIGINT)

	done := make(chan []Status)
	go func() { done <- fg.Wait() }()

	select {
	case statuses := <-done:
		for i, s := range statuses {
			assert.Equal(t, Status{State: Signaled, Signal: unix.SIGINT}, s, "stage %d", i)
		}
		assert.Equal(t, 130, fg.ExitCode())
	case <-time.After(10 * time.Second):
		t.Fatal("foreground job survived SIGINT")
	}

	// The background job is untouched.
	assert.NoError(t, unix.Kill(bg.Pgid, 0))
	assert.Equal(t, 0, e.launcher.Controller.Foreground())
}

func TestInterrupt_idle(t *testing.T) {
	e := newTestEngine(t)

	called := 0
	e.router.OnIdleInterrupt = func() { called++ }
	e.router.handle(syscall.SIGINT)

	assert.Equal(t, 1, called)
}

func TestLaunch_commandNotFound(t *testing.T) {
	e := newTestEngine(t)

	job, err := e.launch(t, "jobsh-no-such-program | wc -l > "+e.path("out"))
	require.NoError(t, err)

	statuses := job.Wait()
	assert.Equal(t, Status{State: Failed, Code: CodeNotFound}, statuses[0])
	assert.Equal(t, Status{State: Exited}, statuses[1])
	assert.Equal(t, 0, job.Pids[0])
	assert.Equal(t, job.Pids[1], job.Pgid)

	// The reader sees EOF even though its writer never started.
	assert.Equal(t, "0", strings.TrimSpace(e.read(t, "out")))
	assert.Equal(t, "jobsh: jobsh-no-such-program: command not found\n", e.read(t, "stderr"))
}

func TestLaunch_notExecutable(t *testing.T) {
	e := newTestEngine(t)

	script := e.path("script")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0644))

	job, err := e.launch(t, script)
	require.NoError(t, err)

	job.Wait()
	assert.Equal(t, CodeNotExecutable, job.ExitCode())
	assert.Contains(t, e.read(t, "stderr"), "permission denied")
}

func TestLaunch_missingInput(t *testing.T) {
	e := newTestEngine(t)

	missing := e.path("missing")
	job, err := e.launch(t, "cat < "+missing)
	require.NoError(t, err)

	assert.Equal(t, 0, job.Pgid)
	assert.Equal(t, []Status{{State: Failed, Code: CodeRedirectFailed}}, job.Wait())
	assert.Equal(t, 1, job.ExitCode())
	assert.Equal(t, "jobsh: "+missing+": no such file or directory\n", e.read(t, "stderr"))
}

func TestLaunch_exitCode(t *testing.T) {
	e := newTestEngine(t)

	job, err := e.launch(t, "true | false")
	require.NoError(t, err)
	job.Wait()
	assert.Equal(t, 1, job.ExitCode())

	job, err = e.launch(t, "false | true")
	require.NoError(t, err)
	job.Wait()
	assert.Equal(t, 0, job.ExitCode())
}

func TestLaunch_tooLong(t *testing.T) {
	e := newTestEngine(t)
	e.launcher.MaxStages = 2

	job, err := e.launch(t, "true | true | true")
	assert.Nil(t, job)
	assert.ErrorIs(t, err, command.ErrPipelineTooLong)
	assert.Equal(t, 0, e.launcher.Reaper.Tracked())
}

func TestReaper(t *testing.T) {
	reaper := NewReaper(nil)

	truePath, err := (&Launcher{}).lookPath("true")
	require.NoError(t, err)

	var done <-chan Status
	reaper.Hold(func(track TrackFunc) {
		pid, err := syscall.ForkExec(truePath, []string{"true"}, &syscall.ProcAttr{})
		require.NoError(t, err)
		done = track(pid, true)
	})
	assert.Equal(t, 1, reaper.Tracked())

	deadline := time.Now().Add(10 * time.Second)
	for reaper.Tracked() > 0 && time.Now().Before(deadline) {
		reaper.Reap()
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, Status{State: Exited}, <-done)
}

func TestStatus(t *testing.T) {
	cases := map[string]struct {
		status Status
		code   int
		text   string
	}{
		"running":   {status: Status{State: Running}, code: 0, text: "running"},
		"exited":    {status: Status{State: Exited, Code: 3}, code: 3, text: "exited (3)"},
		"signaled":  {status: Status{State: Signaled, Signal: unix.SIGINT}, code: 130, text: "signaled (SIGINT)"},
		"not found": {status: Status{State: Failed, Code: CodeNotFound}, code: 127, text: "failed (127)"},
	}

	for tn, tc := range cases {
		t.Run(tn, func(t *testing.T) {
			assert.Equal(t, tc.code, tc.status.ExitCode())
			assert.Equal(t, tc.text, tc.status.String())
		})
	}
}
