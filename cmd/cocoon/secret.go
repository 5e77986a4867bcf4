package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/cuemby/cocoon/pkg/secret"
	"github.com/spf13/cobra"
)

// Secret commands
var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate and check device secrets",
}

var secretGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print a new random device secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := secret.Generate()
		if err != nil {
			return err
		}
		fmt.Println(s)
		return nil
	},
}

var secretCheckCmd = &cobra.Command{
	Use:   "check [SECRET]",
	Short: "Check a secret against the strength policy",
	Long: `Check a secret against the strength policy.

The secret is taken from the argument, or read from the first line of
stdin when no argument is given. The secret itself is never printed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value string
		if len(args) == 1 {
			value = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read secret from stdin: %w", err)
			}
			value = strings.TrimSpace(line)
		}

		if err := secret.Validate(value); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Secret satisfies the policy")
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretGenerateCmd)
	secretCmd.AddCommand(secretCheckCmd)
}
