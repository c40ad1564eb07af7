package core

import (
	"bytes"
	"io"
	"os"
)

// scriptReader reads lines from a non-terminal input one byte at a time, so
// everything after the current line is left for the jobs that inherit the
// descriptor.
type scriptReader struct {
	in *os.File
}

func newScriptReader(in *os.File) *scriptReader {
	return &scriptReader{in: in}
}

// SetPrompt is a no-op, scripts don't get prompts.
func (r *scriptReader) SetPrompt(string) {}

func (r *scriptReader) Readline() (string, error) {
	var line bytes.Buffer
	b := make([]byte, 1)
	for {
		n, err := r.in.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				return line.String(), nil
			}
			line.WriteByte(b[0])
			continue
		}

		if err == io.EOF && line.Len() > 0 {
			return line.String(), nil
		}
		if err != nil {
			return "", err
		}
	}
}

// Close doesn't close the input, it belongs to the caller.
func (r *scriptReader) Close() error {
	return nil
}
