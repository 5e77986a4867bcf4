package executor

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := filepath.Join(t.TempDir(), "output")
	return New(Config{
		Shell:        "/bin/sh",
		OutputDir:    dir,
		ResponsePath: filepath.Join(dir, "response.json"),
	}), dir
}

func TestExecute(t *testing.T) {
	exec, _ := newTestExecutor(t)
	input := "from stdin"

	tests := []struct {
		name        string
		command     string
		input       *string
		wantSuccess bool
		wantCode    int
		wantStdout  string
		wantStderr  string
		wantError   string
	}{
		{name: "echo", command: "echo hello", wantSuccess: true, wantCode: 0, wantStdout: "hello\n"},
		{name: "exit code", command: "exit 7", wantSuccess: false, wantCode: 7, wantError: protocol.CodeCommandFailed},
		{name: "stderr", command: "echo oops >&2; exit 1", wantSuccess: false, wantCode: 1, wantStderr: "oops\n", wantError: protocol.CodeCommandFailed},
		{name: "stdin", command: "cat", input: &input, wantSuccess: true, wantStdout: "from stdin"},
		{name: "not found", command: "definitely-not-a-command-xyz", wantSuccess: false, wantCode: 127, wantError: protocol.CodeCommandFailed},
		{name: "killed by signal", command: "kill -9 $$", wantSuccess: false, wantCode: 137, wantError: protocol.CodeCommandFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := exec.Execute(context.Background(), tt.command, tt.input)

			assert.Equal(t, tt.wantSuccess, result.Success)
			assert.Equal(t, tt.wantCode, result.ExitCode)
			assert.Equal(t, tt.wantError, result.ErrorCode)
			if tt.wantStdout != "" {
				assert.Equal(t, tt.wantStdout, result.Stdout)
			}
			if tt.wantStderr != "" {
				assert.Equal(t, tt.wantStderr, result.Stderr)
			}
		})
	}
}

func TestExecuteSpawnFailure(t *testing.T) {
	exec := New(Config{Shell: "/nonexistent/shell"})

	result := exec.Execute(context.Background(), "echo hi", nil)
	assert.False(t, result.Success)
	assert.Equal(t, protocol.CodeSpawnFailed, result.ErrorCode)
	assert.NotEmpty(t, result.Details)
	assert.Equal(t, -1, result.ExitCode)
}

func TestExecuteCollectsArtifacts(t *testing.T) {
	exec, dir := newTestExecutor(t)

	result := exec.Execute(context.Background(),
		"mkdir -p "+dir+"/nested && printf 'report' > "+dir+"/report.txt && printf '\\000\\001\\002' > "+dir+"/nested/blob.bin && printf '{}' > "+dir+"/response.json",
		nil)
	require.True(t, result.Success, result.Stderr)

	byPath := make(map[string]string)
	binary := make(map[string]bool)
	for _, f := range result.Files {
		byPath[f.Path] = f.Content
		binary[f.Path] = f.Binary
	}

	assert.Equal(t, "report", byPath["report.txt"])
	assert.False(t, binary["report.txt"])

	require.Contains(t, byPath, "nested/blob.bin")
	assert.True(t, binary["nested/blob.bin"])
	decoded, err := base64.StdEncoding.DecodeString(byPath["nested/blob.bin"])
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, decoded)

	assert.NotContains(t, byPath, "response.json")
}

func TestIsBinary(t *testing.T) {
	assert.False(t, IsBinary([]byte("plain text\n")))
	assert.False(t, IsBinary([]byte("héllo")))
	assert.True(t, IsBinary([]byte{'a', 0, 'b'}))
	assert.True(t, IsBinary([]byte{0xff, 0xfe}))
}
