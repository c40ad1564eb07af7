package core

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/abiosoft/readline"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/josephlewis42/jobsh/core/command"
	"github.com/josephlewis42/jobsh/core/config"
	"github.com/josephlewis42/jobsh/core/job"
	"github.com/josephlewis42/jobsh/core/parse"
	"golang.org/x/term"
)

const (
	EnvHome = "HOME"
	EnvUser = "USER"

	// StatusSyntaxError is the status of a line that didn't parse.
	StatusSyntaxError = 2
)

// LineReader supplies input lines to the shell. *readline.Instance implements
// it.
type LineReader interface {
	SetPrompt(prompt string)
	Readline() (string, error)
	Close() error
}

var _ LineReader = (*readline.Instance)(nil)

// Options holds the shell's streams. Nil files default to the process's own.
type Options struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// Reader overrides the line source, mostly for tests.
	Reader LineReader
}

// Shell is a read-eval loop that runs each line as a job.
type Shell struct {
	Config *config.Configuration

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	Reader   LineReader
	Launcher *job.Launcher

	controller *job.Controller
	reaper     *job.Reaper
	router     *job.Router

	log *log.Logger

	interactive bool
	quit        bool
	lastStatus  int
	toClose     listCloser
}

// NewShell sets up a shell session: the job engine, the signal router and,
// on a terminal, ownership of the terminal and line editing.
func NewShell(cfg *config.Configuration, opts Options) (*Shell, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Shell{
		Config: cfg,
		Stdin:  orFile(opts.Stdin, os.Stdin),
		Stdout: orFile(opts.Stdout, os.Stdout),
		Stderr: orFile(opts.Stderr, os.Stderr),
	}
	s.interactive = term.IsTerminal(int(s.Stdin.Fd()))

	appLog, err := cfg.OpenAppLog()
	if err != nil {
		return nil, fmt.Errorf("couldn't open app log: %w", err)
	}
	s.toClose = append(s.toClose, appLog)
	s.log = log.New(appLog, fmt.Sprintf("[%s] ", uuid.NewString()), log.LstdFlags)

	tty := job.NoTerminal
	if s.interactive {
		tty = int(s.Stdin.Fd())
	}

	s.controller = job.NewController(tty, s.log)
	s.reaper = job.NewReaper(s.log)
	s.router = job.NewRouter(s.controller, s.reaper, s.log)
	s.router.OnIdleInterrupt = s.idleInterrupt

	s.Launcher = &job.Launcher{
		Stdin:      s.Stdin,
		Stdout:     s.Stdout,
		Stderr:     s.Stderr,
		MaxStages:  cfg.MaxStages,
		Controller: s.controller,
		Reaper:     s.reaper,
		Log:        s.log,
	}

	// The router must ignore SIGTTOU before the shell touches the terminal.
	s.router.Start()
	if err := s.controller.TakeTerminal(); err != nil {
		s.router.Stop()
		s.toClose.Close()
		return nil, err
	}

	s.Reader = opts.Reader
	if s.Reader == nil {
		reader, err := s.newReader()
		if err != nil {
			s.router.Stop()
			s.toClose.Close()
			return nil, err
		}
		s.Reader = reader
	}
	s.toClose = append(s.toClose, s.Reader)

	s.log.Printf("session started pid=%d pgid=%d interactive=%t", os.Getpid(), s.controller.ShellPgid(), s.interactive)
	return s, nil
}

func (s *Shell) newReader() (LineReader, error) {
	if !s.interactive {
		return newScriptReader(s.Stdin), nil
	}

	cfg := &readline.Config{
		Stdin:        s.Stdin,
		Stdout:       s.Stdout,
		Stderr:       s.Stderr,
		HistoryFile:  s.Config.HistoryPath(),
		HistoryLimit: s.Config.HistoryLimit,
	}
	if err := cfg.Init(); err != nil {
		return nil, err
	}

	return readline.NewEx(cfg)
}

func (s *Shell) idleInterrupt() {
	if !s.interactive {
		return
	}
	fmt.Fprintln(s.Stdout)
	if r, ok := s.Reader.(interface{ Refresh() }); ok {
		r.Refresh()
	}
}

// Prompt renders the configured prompt.
func (s *Shell) Prompt() string {
	prompt := s.Config.Prompt

	prompt = strings.ReplaceAll(prompt, `\u`, os.Getenv(EnvUser))
	host, _ := os.Hostname()
	prompt = strings.ReplaceAll(prompt, `\h`, host)

	pwd, _ := os.Getwd()
	home, _ := os.UserHomeDir()
	if home != "" && strings.HasPrefix(pwd, home) {
		pwd = "~" + strings.TrimPrefix(pwd, home)
	}
	prompt = strings.ReplaceAll(prompt, `\w`, pwd)

	if os.Geteuid() == 0 {
		prompt = strings.ReplaceAll(prompt, `\$`, "#")
	} else {
		prompt = strings.ReplaceAll(prompt, `\$`, "$")
	}

	if s.interactive && s.Config.ColorPrompt {
		c := color.New(color.FgGreen, color.Bold)
		c.EnableColor()
		prompt = c.Sprint(prompt)
	}

	return prompt
}

// Run reads and runs lines until the input ends or exit is called, then
// returns the shell's exit status. End of input is a successful exit
// whatever the last line returned.
func (s *Shell) Run() int {
	for !s.quit {
		s.Reader.SetPrompt(s.Prompt())
		line, err := s.Reader.Readline()

		switch {
		case err == io.EOF:
			return 0

		case err == readline.ErrInterrupt:
			continue

		case err != nil:
			s.log.Printf("Error readline: %v", err)
			return s.lastStatus

		default:
			s.RunLine(line)
		}
	}

	return s.lastStatus
}

// RunLine parses and runs a single line and returns its status.
func (s *Shell) RunLine(line string) int {
	if strings.TrimSpace(line) == "" {
		return s.lastStatus
	}

	s.lastStatus = s.runLine(line)
	return s.lastStatus
}

func (s *Shell) runLine(line string) int {
	parsed, err := parse.Parse(line)
	if err != nil {
		fmt.Fprintf(s.Stderr, "jobsh: syntax error: %v\n", err)
		return StatusSyntaxError
	}

	cmd, err := command.FromParsed(parsed)
	if err != nil {
		fmt.Fprintf(s.Stderr, "jobsh: %v\n", err)
		return StatusSyntaxError
	}

	if cmd.Single() {
		if builtin, ok := AllBuiltins[cmd.Stages[0].Name()]; ok {
			s.log.Printf("builtin %q", cmd.String())
			return builtin.Main(s, cmd.Stages[0].Args)
		}
	}

	j, err := s.Launcher.Launch(cmd)
	if j == nil {
		fmt.Fprintf(s.Stderr, "jobsh: %v\n", err)
		return 1
	}
	if err != nil {
		fmt.Fprintf(s.Stderr, "jobsh: %v\n", err)
	}

	if !j.Foreground {
		if j.Pgid != 0 {
			fmt.Fprintf(s.Stderr, "[%d]\n", j.Pgid)
		}
		return 0
	}

	j.Wait()
	if errors.Is(err, job.ErrResource) {
		return 1
	}
	return j.ExitCode()
}

// Exit asks the loop to stop after the current line.
func (s *Shell) Exit(status int) {
	s.quit = true
	s.lastStatus = status
}

// Close stops signal handling and releases the session's files.
func (s *Shell) Close() error {
	s.router.Stop()
	s.log.Printf("session ended status=%d", s.lastStatus)
	return s.toClose.Close()
}

type listCloser []io.Closer

func (lc listCloser) Close() error {
	var lastErr error
	for _, v := range lc {
		if err := v.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

func orFile(f, fallback *os.File) *os.File {
	if f != nil {
		return f
	}
	return fallback
}
