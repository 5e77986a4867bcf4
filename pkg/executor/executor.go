package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/cuemby/cocoon/pkg/types"
	"github.com/rs/zerolog"
)

// Config configures command execution
type Config struct {
	// Shell runs each command as `Shell -c command`
	Shell string

	// OutputDir is scanned for artifacts after every command
	OutputDir string

	// ResponsePath is excluded from artifact collection
	ResponsePath string
}

// Executor runs one-shot commands to completion
type Executor struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates an executor
func New(cfg Config) *Executor {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Executor{
		cfg:    cfg,
		logger: log.WithComponent("executor"),
	}
}

// Execute runs command, feeding input on stdin when given, and waits for it
// to finish. It never returns an error: spawn and execution failures are
// reported in the result. There is no timeout and the command outlives ctx.
func (e *Executor) Execute(ctx context.Context, command string, input *string) types.ExecutionResult {
	timer := metrics.NewTimer()
	result := e.run(command, input)
	result.Duration = timer.Duration()
	timer.ObserveDuration(metrics.CommandDuration)

	label := "success"
	if !result.Success {
		label = result.ErrorCode
	}
	metrics.CommandsTotal.WithLabelValues(label).Inc()

	e.logger.Info().
		Bool("success", result.Success).
		Int("exit_code", result.ExitCode).
		Int("files", len(result.Files)).
		Dur("duration", result.Duration).
		Msg("Command finished")
	return result
}

func (e *Executor) run(command string, input *string) types.ExecutionResult {
	if e.cfg.OutputDir != "" {
		if err := os.MkdirAll(e.cfg.OutputDir, 0755); err != nil {
			e.logger.Warn().Err(err).Str("dir", e.cfg.OutputDir).Msg("Failed to create output directory")
		}
	}

	cmd := exec.Command(e.cfg.Shell, "-c", command)
	if input != nil {
		cmd.Stdin = strings.NewReader(*input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return types.ExecutionResult{
			Success:   false,
			ExitCode:  -1,
			ErrorCode: protocol.CodeSpawnFailed,
			Details:   err.Error(),
		}
	}

	waitErr := cmd.Wait()
	if waitErr != nil && cmd.ProcessState == nil {
		return types.ExecutionResult{
			Success:   false,
			ExitCode:  -1,
			ErrorCode: protocol.CodeExecutionFailed,
			Details:   waitErr.Error(),
		}
	}

	result := types.ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: ExitCode(cmd.ProcessState),
		Files:    e.collectArtifacts(),
	}
	result.Success = result.ExitCode == 0
	if !result.Success {
		result.ErrorCode = protocol.CodeCommandFailed
		result.Details = fmt.Sprintf("exit code: %d", result.ExitCode)
	}
	return result
}

// collectArtifacts reads every regular file under the output directory
func (e *Executor) collectArtifacts() []types.Artifact {
	if e.cfg.OutputDir == "" {
		return nil
	}

	var files []types.Artifact
	err := filepath.WalkDir(e.cfg.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			e.logger.Debug().Err(err).Str("path", path).Msg("Skipping unreadable path")
			return nil
		}
		if !d.Type().IsRegular() || path == e.cfg.ResponsePath {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			e.logger.Warn().Err(err).Str("path", path).Msg("Failed to read artifact")
			return nil
		}
		rel, err := filepath.Rel(e.cfg.OutputDir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		files = append(files, encodeArtifact(filepath.ToSlash(rel), data))
		return nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to scan output directory")
	}
	return files
}

// encodeArtifact passes text through and base64-encodes anything else
func encodeArtifact(path string, data []byte) types.Artifact {
	if IsBinary(data) {
		return types.Artifact{Path: path, Content: base64.StdEncoding.EncodeToString(data), Binary: true}
	}
	return types.Artifact{Path: path, Content: string(data)}
}

// IsBinary reports whether data cannot be passed through as text
func IsBinary(data []byte) bool {
	return bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data)
}

// ExitCode maps a finished process to a shell-style exit code. Processes
// killed by a signal report 128 plus the signal number.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return state.ExitCode()
}
