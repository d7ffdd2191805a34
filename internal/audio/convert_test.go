package audio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records invocations and optionally creates the output file,
// which is always the last argument.
type fakeRunner struct {
	calls  [][]string
	create bool
	result Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.create && len(args) > 0 {
		if err := os.WriteFile(args[len(args)-1], []byte("RIFF"), 0o644); err != nil {
			return Result{}, err
		}
	}
	return f.result, f.err
}

func newTestConverter(r Runner) *Converter {
	c := NewConverter("ffmpeg", "-i", "-ac 2", ".wav")
	c.Runner = r
	return c
}

func touch(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	return path
}

func TestConvert_PassesThroughTargetSuffix(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "a.wav"))
	r := &fakeRunner{create: true}

	out, err := newTestConverter(r).Convert(context.Background(), []string{in})
	require.NoError(t, err)
	assert.Equal(t, []string{in}, out)
	assert.Empty(t, r.calls)
}

func TestConvert_RunsCommand(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "a.m4a"))
	r := &fakeRunner{create: true}

	out, err := newTestConverter(r).Convert(context.Background(), []string{in})
	require.NoError(t, err)
	assert.Equal(t, []string{in + ".wav"}, out)
	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"ffmpeg", "-i", in, "-ac", "2", in + ".wav"}, r.calls[0])
}

func TestConvert_Idempotent(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "a.m4a"))
	r := &fakeRunner{create: true}
	c := newTestConverter(r)

	first, err := c.Convert(context.Background(), []string{in})
	require.NoError(t, err)
	second, err := c.Convert(context.Background(), []string{in})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, r.calls, 1, "existing output is reused")
}

func TestConvert_MissingInputFailsBeforeAnyConversion(t *testing.T) {
	dir := t.TempDir()
	good := touch(t, filepath.Join(dir, "a.m4a"))
	missing := filepath.Join(dir, "missing.m4a")
	r := &fakeRunner{create: true}

	_, err := newTestConverter(r).Convert(context.Background(), []string{good, missing})
	require.ErrorIs(t, err, ErrFileNotFound)
	assert.Contains(t, err.Error(), missing)
	assert.Empty(t, r.calls)
}

func TestConvert_OutputMissingAfterRun(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, filepath.Join(dir, "a.m4a"))
	r := &fakeRunner{result: Result{ExitCode: 1, Output: []byte("Unknown encoder")}}

	_, err := newTestConverter(r).Convert(context.Background(), []string{in})
	require.ErrorIs(t, err, ErrConversionFailed)
	assert.Contains(t, err.Error(), in+".wav")
	assert.Contains(t, err.Error(), "Unknown encoder")
}

func TestConvert_MixedInputsKeepOrder(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, filepath.Join(dir, "a.m4a"))
	b := touch(t, filepath.Join(dir, "b.wav"))
	c := touch(t, filepath.Join(dir, "c.m4a"))
	touch(t, c+".wav")
	r := &fakeRunner{create: true}

	out, err := newTestConverter(r).Convert(context.Background(), []string{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, []string{a + ".wav", b, c + ".wav"}, out)
	assert.Len(t, r.calls, 1)
}

func TestArgs_SplitsFlags(t *testing.T) {
	c := &Converter{InputFlag: "-y -i", OutputFlag: ""}
	assert.Equal(t, []string{"-y", "-i", "in", "out"}, c.Args("in", "out"))
}

func TestExecRunner_ReportsExitCode(t *testing.T) {
	sh, err := os.Stat("/bin/sh")
	if err != nil || sh.IsDir() {
		t.Skip("/bin/sh not available")
	}

	res, err := ExecRunner{}.Run(context.Background(), "/bin/sh", "-c", "echo boom; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, string(res.Output), "boom")

	_, err = ExecRunner{}.Run(context.Background(), filepath.Join(t.TempDir(), "no-such-binary"))
	require.Error(t, err)
}
