package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cuemby/cocoon/pkg/config"
	"github.com/cuemby/cocoon/pkg/secret"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigPrecedence(t *testing.T) {
	t.Setenv(config.EnvSignalingURL, "ws://env.example:1/ws")
	t.Setenv(config.EnvDataDir, "/env-data")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("server", "", "")
	cmd.Flags().String("data-dir", "", "")
	require.NoError(t, cmd.Flags().Set("server", "ws://flag.example:2/ws"))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, "ws://flag.example:2/ws", cfg.SignalingURL)
	assert.Equal(t, "/env-data", cfg.DataDir)
}

func TestSecretCheckCommand(t *testing.T) {
	strong, err := secret.Generate()
	require.NoError(t, err)

	tests := []struct {
		name    string
		args    []string
		stdin   string
		wantErr string
	}{
		{"strong secret argument", []string{"secret", "check", strong}, "", ""},
		{"strong secret on stdin", []string{"secret", "check"}, strong + "\n", ""},
		{"short secret", []string{"secret", "check", "abc"}, "", "at least 32 characters"},
		{"numeric secret", []string{"secret", "check", strings.Repeat("0123456789", 4)}, "", "numeric only"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			rootCmd.SetOut(&out)
			rootCmd.SetIn(strings.NewReader(tt.stdin))
			rootCmd.SetArgs(tt.args)
			t.Cleanup(func() {
				rootCmd.SetOut(nil)
				rootCmd.SetIn(nil)
				rootCmd.SetArgs(nil)
			})

			err := rootCmd.Execute()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.NotContains(t, err.Error(), tt.args[len(tt.args)-1])
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), "Secret satisfies the policy")
		})
	}
}
