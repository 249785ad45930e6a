package shell

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/config"
	"github.com/tsbridge/dvbstreamer-go/internal/engine"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := &config.Config{}
	cfg.Store.DataDir = t.TempDir()
	cfg.Store.MaxOpenConns = 1
	cfg.Store.MaxIdleConns = 1
	cfg.Store.LogLevel = "silent"
	cfg.Logging.Level = "error"
	cfg.Logging.Format = "text"

	e, err := engine.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	require.NoError(t, e.Cache.Load(&cache.Multiplex{UID: "mux1", PATVersion: -1, TransportStreamID: 0x1234}))
	svc, err := e.Cache.Add(1, 1)
	require.NoError(t, err)
	e.Cache.UpdateServiceName(svc, "BBC One")
	e.Cache.UpdateServicePMTPID(svc, 0x100)

	return e
}

func TestShell_HelpListsCommands(t *testing.T) {
	s := New(testEngine(t), &bytes.Buffer{}, nil)
	defer s.Close()

	var out bytes.Buffer
	s.out = &out
	require.NoError(t, s.Dispatch("help"))
	assert.Contains(t, out.String(), "services")
	assert.Contains(t, out.String(), "output")
}

func TestShell_UnknownCommandReturnsError(t *testing.T) {
	s := New(testEngine(t), &bytes.Buffer{}, nil)
	defer s.Close()

	err := s.Dispatch("bogus")
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, ErrUnknownCommand, cmdErr.Kind)
}

func TestShell_ServicesListsKnownServices(t *testing.T) {
	s := New(testEngine(t), &bytes.Buffer{}, nil)
	defer s.Close()

	var out bytes.Buffer
	s.out = &out
	require.NoError(t, s.Dispatch("services"))
	assert.Contains(t, out.String(), "BBC One")
}

func TestShell_OutputAddLsRm(t *testing.T) {
	s := New(testEngine(t), &bytes.Buffer{}, nil)
	defer s.Close()

	var out bytes.Buffer
	s.out = &out

	require.NoError(t, s.Dispatch("output add main null://discard"))
	require.NoError(t, s.Dispatch("output ls"))
	assert.Contains(t, out.String(), "main")
	assert.Contains(t, out.String(), "<NONE>")

	out.Reset()
	require.NoError(t, s.Dispatch("output rm main"))
	require.NoError(t, s.Dispatch("output ls"))
	assert.Equal(t, "", strings.TrimSpace(out.String()))
}

func TestShell_OutputAddDuplicateNameErrors(t *testing.T) {
	s := New(testEngine(t), &bytes.Buffer{}, nil)
	defer s.Close()

	require.NoError(t, s.Dispatch("output add main null://discard"))
	err := s.Dispatch("output add main null://discard")
	require.Error(t, err)
}

func TestShell_SelectBindsServiceToOutput(t *testing.T) {
	s := New(testEngine(t), &bytes.Buffer{}, nil)
	defer s.Close()

	require.NoError(t, s.Dispatch("output add main null://discard"))
	require.NoError(t, s.Dispatch("select main BBC One"))

	var out bytes.Buffer
	s.out = &out
	require.NoError(t, s.Dispatch("output ls"))
	assert.Contains(t, out.String(), "BBC One")
}

func TestShell_SelectUnknownServiceErrors(t *testing.T) {
	s := New(testEngine(t), &bytes.Buffer{}, nil)
	defer s.Close()

	require.NoError(t, s.Dispatch("output add main null://discard"))
	err := s.Dispatch("select main Does Not Exist")
	require.Error(t, err)
}

func TestShell_AVSOnlyRequiresBoundService(t *testing.T) {
	s := New(testEngine(t), &bytes.Buffer{}, nil)
	defer s.Close()

	require.NoError(t, s.Dispatch("output add main null://discard"))
	err := s.Dispatch("avsonly main on")
	require.Error(t, err)

	require.NoError(t, s.Dispatch("select main BBC One"))
	require.NoError(t, s.Dispatch("avsonly main on"))
}

func TestShell_AVSOnlyRejectsInvalidFlag(t *testing.T) {
	s := New(testEngine(t), &bytes.Buffer{}, nil)
	defer s.Close()

	require.NoError(t, s.Dispatch("output add main null://discard"))
	require.NoError(t, s.Dispatch("select main BBC One"))

	err := s.Dispatch("avsonly main sideways")
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, ErrWrongArgs, cmdErr.Kind)
}

func TestShell_QuitStopsRunLoop(t *testing.T) {
	s := New(testEngine(t), &bytes.Buffer{}, nil)
	defer s.Close()

	r := strings.NewReader("services\nquit\nshould-not-run\n")
	require.NoError(t, s.Run(r))
}

func TestShell_WrongArgCountIsReported(t *testing.T) {
	s := New(testEngine(t), &bytes.Buffer{}, nil)
	defer s.Close()

	err := s.Dispatch("select onlyone")
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, ErrWrongArgs, cmdErr.Kind)
}
