package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:     "dreambooth-agent",
	Short:   "Run DreamBooth Agent",
	Long:    "DreamBooth Agent runs and supervises diffusion model fine-tuning runs.",
	Version: fmt.Sprintf("gitVersion=%s, gitCommit=%s", version.GitVersion, version.GitCommit),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(CreateAgentCommand(NewTrainingAgent()))
}
