package recovery

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/danmuck/lifeline/internal/testutil/testlog"
	"github.com/danmuck/lifeline/internal/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	name string
	args []string
	res  tools.Result
	err  error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (tools.Result, error) {
	f.name = name
	f.args = args
	return f.res, f.err
}

func TestCommandReloaderSubstitutesPeer(t *testing.T) {
	testlog.Start(t)
	runner := &fakeRunner{}
	r := CommandReloader{
		Commands: map[string]string{"control": "systemctl restart 'lifeline-{peer}'"},
		Runner:   runner,
	}
	require.NoError(t, r.TriggerReload("control"))
	assert.Equal(t, "systemctl", runner.name)
	assert.Equal(t, []string{"restart", "lifeline-control"}, runner.args)
}

func TestCommandReloaderErrors(t *testing.T) {
	testlog.Start(t)
	r := CommandReloader{Commands: map[string]string{}, Runner: &fakeRunner{}}
	assert.True(t, errors.Is(r.TriggerReload("worker"), ErrNoReloadCommand))

	failing := &fakeRunner{res: tools.Result{ExitCode: 2, Stderr: []byte("unit not found\n")}, err: errors.New("exit status 2")}
	r = CommandReloader{Commands: map[string]string{"worker": "reload"}, Runner: failing}
	err := r.TriggerReload("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit=2")
	assert.Contains(t, err.Error(), "unit not found")
}

func TestZerologSinkWritesLevels(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	sink := ZerologSink{Logger: zerolog.New(&buf)}
	sink.LogError("lost")
	sink.LogInfo("back")
	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"message":"lost"`)
	assert.Contains(t, out, `"level":"info"`)
}

func TestParseAction(t *testing.T) {
	testlog.Start(t)
	a, err := ParseAction(" Reload ")
	require.NoError(t, err)
	assert.Equal(t, ActionReload, a)
	_, err = ParseAction("panic")
	assert.True(t, errors.Is(err, ErrInvalidAction))
}
