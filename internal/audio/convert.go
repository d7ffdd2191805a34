// Package audio converts audio files by shelling out to an external
// transcoder such as ffmpeg.
package audio

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/go-faster/errors"
)

var (
	// ErrFileNotFound is returned when an input file does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrConversionFailed is returned when the transcoder did not produce
	// the expected output file.
	ErrConversionFailed = errors.New("conversion failed")
)

// maxOutputTail bounds how much transcoder output is kept in errors.
const maxOutputTail = 2048

// Result is the outcome of one subprocess run.
type Result struct {
	ExitCode int
	Output   []byte // combined stdout and stderr
}

// Runner runs an executable to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args. A non-zero exit status is reported in the
// Result, not as an error; an error means the process could not be run.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitCode(), Output: out.Bytes()}, nil
	}
	if err != nil {
		return Result{ExitCode: -1, Output: out.Bytes()}, errors.Wrapf(err, "run %s", name)
	}
	return Result{Output: out.Bytes()}, nil
}

// Converter transcodes files to TargetSuffix.
type Converter struct {
	Command      string // executable, e.g. "ffmpeg"
	InputFlag    string // arguments placed before the input path, e.g. "-i"
	OutputFlag   string // arguments placed before the output path, e.g. "-ac 2"
	TargetSuffix string // appended to input paths, e.g. ".wav"
	Runner       Runner

	logger *slog.Logger
}

// NewConverter creates a Converter that runs command through os/exec.
func NewConverter(command, inputFlag, outputFlag, targetSuffix string) *Converter {
	return &Converter{
		Command:      command,
		InputFlag:    inputFlag,
		OutputFlag:   outputFlag,
		TargetSuffix: targetSuffix,
		Runner:       ExecRunner{},
		logger:       slog.Default(),
	}
}

// Convert returns one output path per input, in order.
//
// Inputs already ending in TargetSuffix are passed through. For the rest the
// output is input+TargetSuffix; an existing output is reused, otherwise the
// command runs once and the output must exist afterwards. Every input is
// checked for existence before any conversion starts.
func (c *Converter) Convert(ctx context.Context, inputs []string) ([]string, error) {
	if c.TargetSuffix == "" {
		return nil, errors.New("audio: target suffix is required")
	}
	for _, in := range inputs {
		if !exists(in) {
			return nil, errors.Wrapf(ErrFileNotFound, "%s", in)
		}
	}

	logger := c.logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := c.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	outputs := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if strings.HasSuffix(in, c.TargetSuffix) {
			outputs = append(outputs, in)
			continue
		}

		target := in + c.TargetSuffix
		if exists(target) {
			logger.Debug("audio: reusing converted file", "path", target)
			outputs = append(outputs, target)
			continue
		}

		args := c.Args(in, target)
		logger.Debug("audio: converting", "command", c.Command, "args", args)
		res, err := runner.Run(ctx, c.Command, args...)
		if err != nil {
			return nil, errors.Wrapf(ErrConversionFailed, "%s: %v", target, err)
		}
		if !exists(target) {
			return nil, errors.Wrapf(ErrConversionFailed, "%s not found after %s exited with status %d: %s",
				target, c.Command, res.ExitCode, tail(res.Output))
		}
		outputs = append(outputs, target)
	}
	return outputs, nil
}

// Args builds the argument list for converting in to out. Flags are split on
// whitespace so a flag string like "-ac 2" becomes two arguments.
func (c *Converter) Args(in, out string) []string {
	args := strings.Fields(c.InputFlag)
	args = append(args, in)
	args = append(args, strings.Fields(c.OutputFlag)...)
	return append(args, out)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxOutputTail {
		s = "..." + s[len(s)-maxOutputTail:]
	}
	if s == "" {
		return "(no output)"
	}
	return s
}
