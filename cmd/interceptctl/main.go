package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/interception-backend/internal/pipeline/defs"
	"github.com/yungbote/interception-backend/internal/platform/envutil"
)

// Exit codes.
const (
	exitError   = 1
	exitBlocked = 2
	exitInvalid = 3
)

type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var ce cliError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.err)
			os.Exit(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}
}

type rootOptions struct {
	server  string
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "interceptctl",
		Short:         "Operate the prompt interception service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envutil.String("INTERCEPT_SERVER", "http://localhost:8080"), "service base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "request timeout")

	root.AddCommand(newRunCommand(opts))
	root.AddCommand(newStatusCommand(opts))
	root.AddCommand(newConfigsCommand(opts))
	root.AddCommand(newValidateCommand())
	return root
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		configName, mode, level, userID string
		async                           bool
		placeholders                    []string
	)
	cmd := &cobra.Command{
		Use:   "run <input text>",
		Short: "Run a config against input text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(configName) == "" {
				return cliError{code: exitInvalid, err: errors.New("--config is required")}
			}
			custom, err := parsePlaceholders(placeholders)
			if err != nil {
				return cliError{code: exitInvalid, err: err}
			}
			body := map[string]any{
				"config_name":    configName,
				"input_text":     strings.Join(args, " "),
				"execution_mode": mode,
				"safety_level":   level,
				"user_id":        userID,
				"async":          async,
			}
			if len(custom) > 0 {
				body["custom_placeholders"] = custom
			}
			var out map[string]any
			status, err := newClient(opts).do(cmd.Context(), "POST", "/api/runs", body, &out)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return statusError(status, out)
		},
	}
	cmd.Flags().StringVarP(&configName, "config", "c", "", "config name")
	cmd.Flags().StringVar(&mode, "mode", "", "execution mode (eco|fast)")
	cmd.Flags().StringVar(&level, "safety", "", "safety level (kids|youth|adult|off)")
	cmd.Flags().StringVar(&userID, "user", "", "user id recorded on the run")
	cmd.Flags().BoolVar(&async, "async", false, "queue the run and return its id")
	cmd.Flags().StringArrayVarP(&placeholders, "set", "p", nil, "custom placeholder KEY=VALUE (repeatable)")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Show a run's manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			status, err := newClient(opts).do(cmd.Context(), "GET", "/api/runs/"+args[0], nil, &out)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return statusError(status, out)
		},
	}
}

func newConfigsCommand(opts *rootOptions) *cobra.Command {
	var reload bool
	cmd := &cobra.Command{
		Use:   "configs",
		Short: "List loaded configs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient(opts)
			if reload {
				var out map[string]any
				status, err := c.do(cmd.Context(), "POST", "/api/configs/reload", nil, &out)
				if err != nil {
					return err
				}
				if err := statusError(status, out); err != nil {
					return err
				}
			}
			var out struct {
				Configs []struct {
					Name        string `json:"name"`
					Pipeline    string `json:"pipeline"`
					OutputStage bool   `json:"output_stage"`
				} `json:"configs"`
				Skipped []defs.SkippedFile `json:"skipped"`
			}
			status, err := c.do(cmd.Context(), "GET", "/api/configs", nil, &out)
			if err != nil {
				return err
			}
			if status >= 400 {
				return cliError{code: exitError, err: fmt.Errorf("list configs: HTTP %d", status)}
			}
			w := cmd.OutOrStdout()
			for _, cfg := range out.Configs {
				kind := ""
				if cfg.OutputStage {
					kind = " (output)"
				}
				fmt.Fprintf(w, "%s\t%s%s\n", cfg.Name, cfg.Pipeline, kind)
			}
			for _, s := range out.Skipped {
				fmt.Fprintf(w, "skipped %s: %s\n", s.Path, s.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reload, "reload", false, "reload definitions before listing")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Load a definitions directory and report invalid files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := envutil.String("DEFINITIONS_PATH", "definitions")
			if len(args) == 1 {
				base = args[0]
			}
			set, err := defs.LoadSet(base, nil)
			if err != nil {
				return cliError{code: exitInvalid, err: err}
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%d chunks, %d pipelines, %d configs\n", len(set.Chunks), len(set.Pipelines), len(set.Configs))
			for _, s := range set.Skipped {
				fmt.Fprintf(w, "invalid %s: %s\n", s.Path, s.Reason)
			}
			if len(set.Skipped) > 0 {
				return cliError{code: exitInvalid, err: fmt.Errorf("%d invalid definition file(s)", len(set.Skipped))}
			}
			return nil
		},
	}
}

func parsePlaceholders(kvs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("placeholder %q: want KEY=VALUE", kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// statusError maps an HTTP status to an exit code. A blocked run exits 2.
func statusError(status int, body map[string]any) error {
	if status < 400 {
		return nil
	}
	msg := fmt.Sprintf("HTTP %d", status)
	code := exitError
	if e, ok := body["error"].(map[string]any); ok {
		if m, ok := e["message"].(string); ok && m != "" {
			msg = m
		}
		if e["code"] == "safety_blocked" {
			code = exitBlocked
		}
	}
	return cliError{code: code, err: errors.New(msg)}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
