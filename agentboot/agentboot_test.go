package agentboot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, src LineSource) []string {
	t.Helper()
	var out []string
	for src.Next() {
		out = append(out, string(src.Line()))
	}
	return out
}

func TestAgentBoot_Registry(t *testing.T) {
	ab := New(Config{})
	_, err := ab.GetDefaultBackend()
	require.Error(t, err)

	replay := &ReplayBackend{Path: "x"}
	ab.RegisterBackend(BackendTypeReplay, replay)
	ab.RegisterBackend(BackendTypeExec, BackendFunc(func(context.Context, Request) (LineSource, error) { return nil, nil }))

	assert.Equal(t, []BackendType{BackendTypeExec, BackendTypeReplay}, ab.ListBackends())
	require.NoError(t, ab.SetDefaultBackend(BackendTypeReplay))
	got, err := ab.GetDefaultBackend()
	require.NoError(t, err)
	assert.Same(t, replay, got)

	assert.Error(t, ab.SetDefaultBackend(BackendTypeMock))
}

func TestReaderSource_Lines(t *testing.T) {
	src := NewReaderSource(context.Background(), strings.NewReader("a\n\nb\n"), 0)
	assert.Equal(t, []string{"a", "", "b"}, readAll(t, src))
	assert.NoError(t, src.Err())
	assert.NoError(t, src.Close())
}

func TestReaderSource_CanceledWhilePacing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := NewReaderSource(ctx, strings.NewReader("a\nb\n"), time.Hour)
	require.True(t, src.Next())
	cancel()
	assert.False(t, src.Next())
	assert.ErrorIs(t, src.Err(), context.Canceled)
}

func TestReplayBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turn.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"message_delta","payload":{"delta":"hi"}}`+"\n"), 0o644))

	src, err := (&ReplayBackend{Path: path}).Start(context.Background(), Request{})
	require.NoError(t, err)
	defer src.Close()
	assert.Len(t, readAll(t, src), 1)

	_, err = (&ReplayBackend{Path: filepath.Join(t.TempDir(), "missing")}).Start(context.Background(), Request{})
	assert.Error(t, err)
}

func TestExecConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultExecConfig().Validate())
	assert.Error(t, ExecConfig{}.Validate())
	assert.Error(t, ExecConfig{Command: "x", Timeout: -time.Second}.Validate())
}

func TestExecBackend_BuildArgs(t *testing.T) {
	b := &ExecBackend{config: ExecConfig{Command: "codex", Args: []string{"exec", "--json", "-"}, ModelFlag: "--model"}}
	assert.Equal(t, []string{"exec", "--json", "--model", "o4", "-"}, b.buildArgs(Request{Model: "o4"}))
	assert.Equal(t, []string{"exec", "--json", "-"}, b.buildArgs(Request{}))

	b.config.Args = []string{"run"}
	assert.Equal(t, []string{"run", "--model", "o4"}, b.buildArgs(Request{Model: "o4"}))
}

func TestExecBackend_EchoesStdin(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	b, err := NewExecBackend(ExecConfig{Command: "/bin/sh", Args: []string{"-c", "cat"}})
	require.NoError(t, err)

	src, err := b.Start(context.Background(), Request{Prompt: "line one\nline two\n"})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, []string{"line one", "line two"}, readAll(t, src))
	assert.NoError(t, src.Err())
}

func TestExecBackend_ExitErrorIncludesStderr(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	b, err := NewExecBackend(ExecConfig{Command: "/bin/sh", Args: []string{"-c", "echo not logged in >&2; exit 3"}})
	require.NoError(t, err)

	src, err := b.Start(context.Background(), Request{})
	require.NoError(t, err)
	defer src.Close()

	assert.Empty(t, readAll(t, src))
	require.Error(t, src.Err())
	assert.Contains(t, src.Err().Error(), "exit status 3")
	assert.Contains(t, src.Err().Error(), "not logged in")
}

func TestExecBackend_CloseKillsProcess(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	b, err := NewExecBackend(ExecConfig{Command: "/bin/sh", Args: []string{"-c", "echo start; sleep 30"}})
	require.NoError(t, err)

	src, err := b.Start(context.Background(), Request{})
	require.NoError(t, err)
	require.True(t, src.Next())
	assert.Equal(t, "start", string(src.Line()))

	done := make(chan struct{})
	go func() {
		_ = src.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the process")
	}
}
