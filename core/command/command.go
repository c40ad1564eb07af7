// Package command holds the structured form of a command line the job engine
// runs.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/josephlewis42/jobsh/core/parse"
)

// DefaultMaxStages is the pipeline length ceiling used when none is
// configured.
const DefaultMaxStages = 64

var (
	ErrNoStages        = errors.New("command has no stages")
	ErrEmptyStage      = errors.New("pipeline stage has no program")
	ErrPipelineTooLong = errors.New("pipeline too long")
)

// Stage is a single program invocation, Args[0] is the program name.
type Stage struct {
	Args []string
}

// Name returns the program name of the stage.
func (s Stage) Name() string {
	if len(s.Args) == 0 {
		return ""
	}
	return s.Args[0]
}

func (s Stage) String() string {
	return strings.Join(s.Args, " ")
}

// Command is a pipeline of stages in execution order.
type Command struct {
	Stages []Stage

	// Stdin is the file the first stage reads from, or "" to inherit.
	Stdin string
	// Stdout is the file the last stage writes to, or "" to inherit.
	Stdout string

	Background bool
}

// FromParsed converts the parser's representation into a Command. The parser
// links stages last to first, this is the only place that knows about it.
func FromParsed(parsed *parse.Command) (*Command, error) {
	if parsed == nil {
		return nil, ErrNoStages
	}

	var stages []Stage
	for p := parsed.Pgm; p != nil; p = p.Next {
		args := make([]string, len(p.Args))
		copy(args, p.Args)
		stages = append(stages, Stage{Args: args})
	}

	// Reverse into execution order.
	for i, j := 0, len(stages)-1; i < j; i, j = i+1, j-1 {
		stages[i], stages[j] = stages[j], stages[i]
	}

	cmd := &Command{
		Stages:     stages,
		Stdin:      parsed.Rstdin,
		Stdout:     parsed.Rstdout,
		Background: parsed.Background,
	}
	return cmd, cmd.Validate(0)
}

// Validate checks the structural invariants of the command. If maxStages is
// positive, longer pipelines are rejected with ErrPipelineTooLong.
func (c *Command) Validate(maxStages int) error {
	if len(c.Stages) == 0 {
		return ErrNoStages
	}
	for i, stage := range c.Stages {
		if len(stage.Args) == 0 {
			return fmt.Errorf("stage %d: %w", i, ErrEmptyStage)
		}
	}
	if maxStages > 0 && len(c.Stages) > maxStages {
		return fmt.Errorf("pipeline has %d stages, limit is %d: %w", len(c.Stages), maxStages, ErrPipelineTooLong)
	}
	return nil
}

// Single returns true if the command is one stage without pipes.
func (c *Command) Single() bool {
	return len(c.Stages) == 1
}

func (c *Command) String() string {
	var parts []string
	for _, s := range c.Stages {
		parts = append(parts, s.String())
	}

	out := strings.Join(parts, " | ")
	if c.Stdin != "" {
		out += " < " + c.Stdin
	}
	if c.Stdout != "" {
		out += " > " + c.Stdout
	}
	if c.Background {
		out += " &"
	}
	return out
}
