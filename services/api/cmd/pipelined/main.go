package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const serviceName = "pipelined"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBaseURL string

	cmd := &cobra.Command{
		Use:           "pipelined",
		Short:         "Run and observe the delivery pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultAPI := strings.TrimSpace(os.Getenv("PIPELINED_API"))
	if defaultAPI == "" {
		defaultAPI = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&apiBaseURL, "api", defaultAPI, "Base URL of the pipelined API")

	client := func() *apiClient { return newAPIClient(apiBaseURL, nil) }

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newTriggerCommand(client))
	cmd.AddCommand(newWatchCommand(client))
	cmd.AddCommand(newConfigCommand(client))
	return cmd
}
