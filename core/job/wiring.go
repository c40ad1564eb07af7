package job

import (
	"fmt"

	"github.com/josephlewis42/jobsh/core/command"
)

// EndpointKind says where a stage's stream is connected.
type EndpointKind int

const (
	// Inherit uses the shell's own stdin or stdout.
	Inherit EndpointKind = iota
	// File opens Endpoint.Path.
	File
	// Channel uses one end of the pipe numbered Endpoint.Channel.
	Channel
)

// Endpoint is the source or sink of a standard stream.
type Endpoint struct {
	Kind    EndpointKind
	Path    string
	Channel int
}

func (e Endpoint) String() string {
	switch e.Kind {
	case File:
		return "file:" + e.Path
	case Channel:
		return fmt.Sprintf("pipe:%d", e.Channel)
	default:
		return "inherit"
	}
}

// StageIO is the stream assignment of one stage.
type StageIO struct {
	Stdin  Endpoint
	Stdout Endpoint
}

// Plan is the descriptor wiring of a whole pipeline.
type Plan struct {
	Stages []StageIO
	// Channels is the number of pipes the pipeline needs. Pipe k connects
	// stage k's stdout to stage k+1's stdin.
	Channels int
}

// Wire computes the stream assignment of each stage: the input file (if any)
// feeds the first stage, the output file (if any) receives the last stage and
// pipes connect everything in between.
func Wire(cmd *command.Command) Plan {
	n := len(cmd.Stages)
	plan := Plan{Stages: make([]StageIO, n)}
	if n == 0 {
		return plan
	}
	plan.Channels = n - 1

	for i := range plan.Stages {
		stage := &plan.Stages[i]
		if i > 0 {
			stage.Stdin = Endpoint{Kind: Channel, Channel: i - 1}
		}
		if i < n-1 {
			stage.Stdout = Endpoint{Kind: Channel, Channel: i}
		}
	}

	if cmd.Stdin != "" {
		plan.Stages[0].Stdin = Endpoint{Kind: File, Path: cmd.Stdin}
	}
	if cmd.Stdout != "" {
		plan.Stages[n-1].Stdout = Endpoint{Kind: File, Path: cmd.Stdout}
	}

	return plan
}
