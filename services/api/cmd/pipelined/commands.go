package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"pipelined/pkg/render"
	"pipelined/services/stream"
)

func newTriggerCommand(client func() *apiClient) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start a pipeline run with the stored config or the config in --file",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readConfigFile(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			resp, err := client().trigger(cmd.Context(), body)
			if errors.Is(err, errConflict) {
				fmt.Fprintln(cmd.OutOrStdout(), "a pipeline run is already in progress")
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "triggered %s\n", resp.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "JSON config to run with instead of the stored one (- for stdin)")
	return cmd
}

func newWatchCommand(client func() *apiClient) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream pipeline snapshots and log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if raw {
				return client().watch(cmd.Context(), func(evt stream.Event) error {
					return json.NewEncoder(out).Encode(evt)
				})
			}

			engine, err := render.New()
			if err != nil {
				return err
			}
			return client().watch(cmd.Context(), func(evt stream.Event) error {
				line, err := renderEvent(engine, evt)
				if err != nil {
					return err
				}
				_, err = io.WriteString(out, line)
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&raw, "json", false, "Print events as JSON envelopes")
	return cmd
}

func renderEvent(engine *render.Engine, evt stream.Event) (string, error) {
	var data map[string]any
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return "", fmt.Errorf("decode %s event: %w", evt.Kind, err)
	}
	switch evt.Kind {
	case stream.KindPipelineUpdate:
		return engine.Render("snapshot", data)
	case stream.KindLog:
		return engine.Render("log", data)
	default:
		return "", nil
	}
}

func newConfigCommand(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or replace the stored pipeline config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client().getConfig(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})

	var file string
	put := &cobra.Command{
		Use:   "put",
		Short: "Store a config and trigger a run with it",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readConfigFile(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(body) == 0 {
				return errors.New("--file is required")
			}
			resp, err := client().putConfig(cmd.Context(), body)
			if err != nil {
				return err
			}
			if resp.Triggered {
				fmt.Fprintf(cmd.OutOrStdout(), "config stored; triggered %s\n", resp.ID)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "config stored; a run is already in progress")
			}
			return nil
		},
	}
	put.Flags().StringVar(&file, "file", "", "JSON config file (- for stdin)")
	cmd.AddCommand(put)

	return cmd
}

func readConfigFile(path string, stdin io.Reader) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(stdin)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		return data, nil
	}
}
