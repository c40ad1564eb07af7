// Package parse turns a single input line into the shell's native command
// structure.
//
// The accepted grammar is a small subset of the POSIX shell command language:
//
//	pipeline := stage { "|" stage } [ "&" ]
//	stage    := word { word } [ "<" word ] [ ">" word ]
//
// Input redirection is only allowed on the first stage and output redirection
// only on the last one. Anything else the POSIX grammar allows (lists, and-or
// chains, variables, substitutions, here-documents...) is rejected.
package parse

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

var (
	// ErrEmpty is returned for lines without any command.
	ErrEmpty = errors.New("empty command")

	// ErrUnsupported is returned for valid shell syntax the shell doesn't
	// implement.
	ErrUnsupported = errors.New("unsupported syntax")
)

// Pgm is one program invocation.
//
// Pgm lists are linked in reverse: the head of the list is the LAST stage of
// the pipeline and Next points at the stage writing into it.
type Pgm struct {
	Args []string
	Next *Pgm
}

// Command is a parsed line.
type Command struct {
	// Pgm is the last stage of the pipeline, see Pgm.
	Pgm *Pgm
	// Rstdin holds the path stdin is redirected from, or "".
	Rstdin string
	// Rstdout holds the path stdout is redirected to, or "".
	Rstdout string
	// Background is set when the line ended with &.
	Background bool
}

// Parse parses a single line.
func Parse(line string) (*Command, error) {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(strings.NewReader(line), "")
	if err != nil {
		return nil, err
	}

	switch len(file.Stmts) {
	case 0:
		return nil, ErrEmpty
	case 1:
	default:
		return nil, unsupported(file.Stmts[1], "command lists")
	}

	stmt := file.Stmts[0]
	if stmt.Negated || stmt.Coprocess {
		return nil, unsupported(stmt, "command modifiers")
	}

	var stages []*syntax.Stmt
	if err := flattenPipeline(stmt, &stages); err != nil {
		return nil, err
	}

	out := &Command{Background: stmt.Background}
	for i, stage := range stages {
		args, err := evalArgs(stage)
		if err != nil {
			return nil, err
		}

		for _, redirect := range stage.Redirs {
			target, err := evalRedirect(redirect)
			if err != nil {
				return nil, err
			}

			switch {
			case redirect.Op == syntax.RdrIn && i == 0:
				if out.Rstdin != "" {
					return nil, unsupported(redirect, "multiple input redirections")
				}
				out.Rstdin = target
			case redirect.Op == syntax.RdrOut && i == len(stages)-1:
				if out.Rstdout != "" {
					return nil, unsupported(redirect, "multiple output redirections")
				}
				out.Rstdout = target
			case redirect.Op == syntax.RdrIn:
				return nil, unsupported(redirect, "input redirection after the first stage")
			case redirect.Op == syntax.RdrOut:
				return nil, unsupported(redirect, "output redirection before the last stage")
			default:
				return nil, unsupported(redirect, fmt.Sprintf("redirection %q", redirect.Op.String()))
			}
		}

		out.Pgm = &Pgm{Args: args, Next: out.Pgm}
	}

	return out, nil
}

// Stages returns the program list in execution order.
func (c *Command) Stages() [][]string {
	var out [][]string
	for p := c.Pgm; p != nil; p = p.Next {
		out = append([][]string{p.Args}, out...)
	}
	return out
}

// flattenPipeline appends the stages of stmt to out in execution order.
func flattenPipeline(stmt *syntax.Stmt, out *[]*syntax.Stmt) error {
	switch cmd := stmt.Cmd.(type) {
	case nil:
		return fmt.Errorf("missing command: %w", ErrEmpty)

	case *syntax.CallExpr:
		*out = append(*out, stmt)
		return nil

	case *syntax.BinaryCmd:
		if cmd.Op != syntax.Pipe {
			return unsupported(cmd, fmt.Sprintf("operator %q", cmd.Op.String()))
		}
		if len(stmt.Redirs) > 0 {
			return unsupported(stmt.Redirs[0], "redirecting a whole pipeline")
		}
		if cmd.X.Background || cmd.Y.Background {
			return unsupported(stmt, "background stage inside a pipeline")
		}
		if err := flattenPipeline(cmd.X, out); err != nil {
			return err
		}
		return flattenPipeline(cmd.Y, out)

	default:
		return unsupported(stmt, "compound commands")
	}
}

func evalArgs(stmt *syntax.Stmt) ([]string, error) {
	call := stmt.Cmd.(*syntax.CallExpr)
	if len(call.Assigns) > 0 {
		return nil, unsupported(call.Assigns[0], "variable assignment")
	}
	if len(call.Args) == 0 {
		return nil, fmt.Errorf("missing command: %w", ErrEmpty)
	}

	var args []string
	for _, word := range call.Args {
		arg, err := evalWord(word)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func evalRedirect(redirect *syntax.Redirect) (string, error) {
	if redirect.N != nil {
		return "", unsupported(redirect, "file descriptor redirection")
	}
	if redirect.Word == nil {
		return "", unsupported(redirect, "redirection without target")
	}

	target, err := evalWord(redirect.Word)
	if err != nil {
		return "", err
	}
	if target == "" {
		return "", fmt.Errorf("%d:%d: empty redirection target: %w", redirect.Pos().Line(), redirect.Pos().Col(), ErrUnsupported)
	}
	return target, nil
}

func evalWord(word *syntax.Word) (string, error) {
	var sb strings.Builder
	for _, part := range word.Parts {
		if err := evalWordPart(&sb, part, false); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

func evalWordPart(sb *strings.Builder, part syntax.WordPart, quoted bool) error {
	switch part := part.(type) {
	case *syntax.Lit:
		sb.WriteString(unescape(part.Value, quoted))
	case *syntax.SglQuoted:
		if part.Dollar {
			return unsupported(part, "$'' strings")
		}
		sb.WriteString(part.Value)
	case *syntax.DblQuoted:
		if part.Dollar {
			return unsupported(part, `$"" strings`)
		}
		for _, sub := range part.Parts {
			if err := evalWordPart(sb, sub, true); err != nil {
				return err
			}
		}
	case *syntax.ParamExp:
		return unsupported(part, "variables")
	case *syntax.CmdSubst:
		return unsupported(part, "command substitution")
	default:
		return unsupported(part, "expansions")
	}
	return nil
}

// unescape removes the backslashes the parser leaves in literals. Outside
// double quotes a backslash quotes any character, inside them only $, `, ",
// \ and newline. An escaped newline joins lines.
func unescape(lit string, quoted bool) string {
	if !strings.Contains(lit, `\`) {
		return lit
	}

	var sb strings.Builder
	for i := 0; i < len(lit); i++ {
		c := lit[i]
		if c != '\\' || i+1 == len(lit) {
			sb.WriteByte(c)
			continue
		}

		next := lit[i+1]
		switch {
		case next == '\n':
			// line continuation
		case !quoted || strings.IndexByte("$`\"\\", next) >= 0:
			sb.WriteByte(next)
		default:
			sb.WriteByte(c)
			sb.WriteByte(next)
		}
		i++
	}
	return sb.String()
}

func unsupported(node syntax.Node, what string) error {
	return fmt.Errorf("%d:%d: %s: %w", node.Pos().Line(), node.Pos().Col(), what, ErrUnsupported)
}

// Dump writes a human readable description of the command, last stage
// printed last.
func Dump(c *Command) string {
	orNone := func(s string) string {
		if s == "" {
			return "<none>"
		}
		return s
	}

	buf := &bytes.Buffer{}
	fmt.Fprintln(buf, "Parse OK")
	fmt.Fprintf(buf, "stdin:      %s\n", orNone(c.Rstdin))
	fmt.Fprintf(buf, "stdout:     %s\n", orNone(c.Rstdout))
	fmt.Fprintf(buf, "background: %t\n", c.Background)
	fmt.Fprintln(buf, "Pgms:")
	for _, args := range c.Stages() {
		fmt.Fprintf(buf, "            * [ %s ]\n", strings.Join(args, " "))
	}
	return buf.String()
}
