package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type options struct {
	server  string
	timeout time.Duration
}

func (o *options) client() *client {
	return newClient(o.server, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "deferctl",
		Short:         "Submit and inspect energy-aware deferred tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("DEFERD_URL")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "deferd server URL (env DEFERD_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newTaskCmd(opts),
		newHistoryCmd(opts),
		newFeedbackCmd(opts),
		newWhitelistCmd(opts),
		newPeersCmd(opts),
	)
	return root
}

func newSubmitCmd(opts *options) *cobra.Command {
	var urgency, payload string

	cmd := &cobra.Command{
		Use:   "submit NAME",
		Short: "Submit a task and print the decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"name": args[0], "urgency": urgency}
			if payload != "" {
				var p map[string]any
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
				body["payload"] = p
			}

			data, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/tasks", body)
			var apiErr *apiError
			if errors.As(err, &apiErr) && len(apiErr.Body) > 0 && apiErr.Status == http.StatusServiceUnavailable {
				// The verdict was reached; show it with the failure.
				_ = printJSON(cmd.OutOrStdout(), apiErr.Body)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVarP(&urgency, "urgency", "u", "normal", "low, normal, high, critical, eco or solar_only")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "task payload as a JSON object")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, whitelist and host state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return get(cmd, opts, "/api/status")
		},
	}
}

func newTaskCmd(opts *options) *cobra.Command {
	var decisions bool

	cmd := &cobra.Command{
		Use:   "task ID",
		Short: "Show a task, or its decision records with --decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/tasks/" + url.PathEscape(args[0])
			if decisions {
				path += "/decisions"
			}
			return get(cmd, opts, path)
		},
	}
	cmd.Flags().BoolVar(&decisions, "decisions", false, "list the decision chain")
	return cmd
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/history"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			return get(cmd, opts, path)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of tasks (server default 50)")
	return cmd
}

func newFeedbackCmd(opts *options) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "feedback ID KIND",
		Short: "Record necessary, avoidable or optimizable feedback on a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"kind": args[1], "note": note}
			data, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/tasks/"+url.PathEscape(args[0])+"/feedback", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	return cmd
}

func newWhitelistCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Change the task whitelist",
	}

	change := func(use, short, method string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " NAME",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := opts.client().do(cmd.Context(), method, "/api/whitelist/"+url.PathEscape(args[0]), nil)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), data)
			},
		}
	}

	cmd.AddCommand(
		change("add", "Allow a task name", http.MethodPost),
		change("remove", "Disallow a task name", http.MethodDelete),
	)
	return cmd
}

func newPeersCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Inspect mesh peers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return get(cmd, opts, "/api/peers")
		},
	}

	var urgency string
	candidates := &cobra.Command{
		Use:   "candidates TASK",
		Short: "List peers eligible to run a task, cleanest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"task": {args[0]}}
			if urgency != "" {
				q.Set("urgency", urgency)
			}
			return get(cmd, opts, "/api/peers/candidates?"+q.Encode())
		},
	}
	candidates.Flags().StringVarP(&urgency, "urgency", "u", "", "task urgency")

	cmd.AddCommand(list, candidates)
	return cmd
}

func get(cmd *cobra.Command, opts *options, path string) error {
	data, err := opts.client().do(cmd.Context(), http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), data)
}

func printJSON(w io.Writer, data json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
