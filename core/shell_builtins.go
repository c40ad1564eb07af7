package core

import (
	"fmt"
	"io"
	"os"

	"github.com/pborman/getopt/v2"
)

// AllBuiltins holds a list of all registered shell builtins
var AllBuiltins = make(map[string]ShellBuiltin)

// ShellBuiltin is a command that runs inside the shell process. Builtins are
// only used for lines made of a single stage, & is ignored for them.
type ShellBuiltin interface {
	Main(s *Shell, args []string) int
}

type ShellBuiltinFunc func(s *Shell, args []string) int

func (f ShellBuiltinFunc) Main(s *Shell, args []string) int {
	return f(s, args)
}

var _ ShellBuiltin = (ShellBuiltinFunc)(nil)

// builtinOpts parses the options every builtin shares. It returns false if
// the builtin should stop with the returned status.
func builtinOpts(w io.Writer, args []string, usage, description string) (*getopt.Set, int, bool) {
	opts := getopt.New()
	helpOpt := opts.BoolLong("help", 'h', "show help and exit")

	if err := opts.Getopt(args, nil); err != nil || *helpOpt {
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", args[0], err)
		}
		fmt.Fprintf(w, "usage: %s\n", usage)
		fmt.Fprintln(w, description)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Options:")
		opts.PrintOptions(w)

		if err != nil {
			return opts, 2, false
		}
		return opts, 0, false
	}

	return opts, 0, true
}

// Cd is the cd shell builtin
func Cd(s *Shell, args []string) int {
	opts, status, ok := builtinOpts(s.Stderr, args, "cd [DIR]", "Change the shell working directory, HOME if DIR is omitted.")
	if !ok {
		return status
	}

	var dir string
	switch opts.NArgs() {
	case 0:
		home, ok := os.LookupEnv(EnvHome)
		if !ok {
			fmt.Fprintf(s.Stderr, "%s: HOME not set\n", args[0])
			return 1
		}
		dir = home
	case 1:
		dir = opts.Arg(0)
	default:
		fmt.Fprintf(s.Stderr, "%s: too many arguments\n", args[0])
		return 1
	}

	if err := os.Chdir(dir); err != nil {
		fmt.Fprintf(s.Stderr, "%s: %v\n", args[0], describePathError(err))
		return 1
	}
	return 0
}

// Exit quits the shell
func Exit(s *Shell, args []string) int {
	_, status, ok := builtinOpts(s.Stderr, args, "exit", "Exit the shell with status 0.")
	if !ok {
		return status
	}

	s.Exit(0)
	return 0
}

func describePathError(err error) error {
	if pathErr, ok := err.(*os.PathError); ok {
		return fmt.Errorf("%s: %v", pathErr.Path, pathErr.Err)
	}
	return err
}

func init() {
	AllBuiltins["cd"] = ShellBuiltinFunc(Cd)
	AllBuiltins["exit"] = ShellBuiltinFunc(Exit)
}
