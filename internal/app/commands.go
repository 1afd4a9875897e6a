package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nuetzliches/tidelog/internal/config"
	"github.com/nuetzliches/tidelog/internal/queue"
	"github.com/nuetzliches/tidelog/internal/submit"
	"github.com/nuetzliches/tidelog/internal/tripapi"
)

// session is a loaded config plus the logger built from it.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	closer  io.Closer
	metrics *runtimeMetrics
}

func (s *session) Close() {
	if s.closer != nil {
		_ = s.closer.Close()
	}
}

func openSession(g *globalFlags) (*session, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, failf(1, "%v", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	res := config.Validate(cfg)
	if !res.OK {
		return nil, failf(1, "%s", config.FormatValidationText(res))
	}
	logger, closer, err := newLoggerFromConfig(cfg.Log)
	if err != nil {
		return nil, failf(1, "%v", err)
	}
	for _, w := range res.Warnings {
		logger.Warn("config_warning", slog.String("warning", w))
	}
	return &session{cfg: cfg, logger: logger, closer: closer, metrics: newRuntimeMetrics()}, nil
}

func (s *session) runtime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	rt, err := openRuntime(ctx, s.cfg, s.logger, s.metrics, opts)
	if err != nil {
		return nil, failf(1, "%v", err)
	}
	return rt, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCaptureCmd(g *globalFlags) *cobra.Command {
	var clearCache bool
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Acquire a position, falling back to the last cached fix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(g)
			if err != nil {
				return err
			}
			defer s.Close()
			rt, err := s.runtime(cmd.Context(), runtimeOptions{needsLocation: !clearCache})
			if err != nil {
				return err
			}
			defer rt.Close()

			if clearCache {
				rt.location.Cache.Clear(cmd.Context())
				return nil
			}
			res := rt.location.Capture(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return failf(1, "capture: %v", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearCache, "clear", false, "forget the cached last known fix")
	return cmd
}

func newSubmitCmd(g *globalFlags) *cobra.Command {
	var file string
	var draft bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a trip now, or queue it when the backend is unreachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := readInput(cmd, file)
			if err != nil {
				return failf(1, "submit: %v", err)
			}

			s, err := openSession(g)
			if err != nil {
				return err
			}
			defer s.Close()
			rt, err := s.runtime(cmd.Context(), runtimeOptions{needsLocation: draft})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			kick := &inlineFlush{ctx: ctx, queue: rt.queue}
			rt.submitter.Trigger = kick
			var out submit.Outcome
			if draft {
				var d tripapi.Draft
				if err := json.Unmarshal(body, &d); err != nil {
					return failf(1, "submit: decode draft: %v", err)
				}
				out, err = rt.submitter.SubmitDraft(ctx, d)
			} else {
				out, err = rt.submitter.Submit(ctx, json.RawMessage(body))
			}
			s.metrics.observeSubmit(out, err)
			if err != nil {
				var apiErr *tripapi.APIError
				if errors.As(err, &apiErr) && len(apiErr.Fields) > 0 {
					_ = writeJSON(cmd.ErrOrStderr(), apiErr.Fields)
				}
				return failf(1, "%v", err)
			}
			report := submitReport{Outcome: out}
			if kick.ran {
				report.Flush = newFlushReport(kick.result)
				if kick.err != nil {
					report.Flush.Error = kick.err.Error()
				}
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return failf(1, "submit: %v", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "JSON payload file, - for stdin")
	cmd.Flags().BoolVar(&draft, "draft", false, "treat the input as a trip draft and fill defaults and departure position")
	return cmd
}

// submitReport is the submit output. Flush is set when a transient failure
// queued the trip and a delivery pass ran before exit.
type submitReport struct {
	submit.Outcome
	Flush *flushReport `json:"flush,omitempty"`
}

type flushReport struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
	Deferred  []string `json:"deferred"`
	Error     string   `json:"error,omitempty"`
}

func newFlushReport(res queue.FlushResult) *flushReport {
	return &flushReport{
		Succeeded: nonNil(res.Succeeded),
		Failed:    nonNil(res.Failed),
		Deferred:  nonNil(res.Deferred),
	}
}

func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(file)
}

func newQueueCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the offline submission queue",
	}

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued submissions",
		Args:  cobra.NoArgs,
		RunE: withQueue(g, func(cmd *cobra.Command, rt *runtime, _ []string) error {
			items := rt.queue.List(cmd.Context())
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE ID\tSTATUS\tATTEMPTS\tENQUEUED\tLAST STATUS\tLAST ERROR")
			for _, it := range items {
				lastErr := ""
				if it.LastError != nil {
					lastErr = *it.LastError
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					it.QueueID, it.Status, it.AttemptCount,
					time.UnixMilli(it.EnqueuedAtMs).UTC().Format(time.RFC3339),
					queue.StatusCodeText(it), lastErr)
			}
			return tw.Flush()
		}),
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "print JSON")

	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Attempt delivery of every pending submission",
		Args:  cobra.NoArgs,
		RunE: withQueue(g, func(cmd *cobra.Command, rt *runtime, _ []string) error {
			res, err := rt.queue.Flush(cmd.Context())
			if err != nil {
				return failf(1, "flush: %v", err)
			}
			return writeJSON(cmd.OutOrStdout(), newFlushReport(res))
		}),
	}

	var retryAll, discardAll bool
	retry := &cobra.Command{
		Use:   "retry [queue-id...]",
		Short: "Move failed submissions back to pending",
		RunE: withQueue(g, func(cmd *cobra.Command, rt *runtime, args []string) error {
			ids, err := selectFailed(cmd.Context(), rt.queue, args, retryAll)
			if err != nil {
				return err
			}
			n, err := rt.queue.Retry(cmd.Context(), ids)
			if err != nil {
				return failf(1, "%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried %d\n", n)
			return nil
		}),
	}
	retry.Flags().BoolVar(&retryAll, "all", false, "retry every failed submission")

	discard := &cobra.Command{
		Use:   "discard [queue-id...]",
		Short: "Delete failed submissions",
		RunE: withQueue(g, func(cmd *cobra.Command, rt *runtime, args []string) error {
			ids, err := selectFailed(cmd.Context(), rt.queue, args, discardAll)
			if err != nil {
				return err
			}
			n, err := rt.queue.Discard(cmd.Context(), ids)
			if err != nil {
				return failf(1, "%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %d\n", n)
			return nil
		}),
	}
	discard.Flags().BoolVar(&discardAll, "all", false, "discard every failed submission")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count submissions by status",
		Args:  cobra.NoArgs,
		RunE: withQueue(g, func(cmd *cobra.Command, rt *runtime, _ []string) error {
			st := rt.queue.Stats(cmd.Context())
			out := map[string]any{
				"total":            st.Total,
				"pending":          st.ByStatus[queue.StatusPending],
				"in_flight":        st.ByStatus[queue.StatusInFlight],
				"failed_permanent": st.ByStatus[queue.StatusFailedPermanent],
			}
			if st.OldestPendingMs > 0 {
				out["oldest_pending"] = time.UnixMilli(st.OldestPendingMs).UTC().Format(time.RFC3339)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		}),
	}

	cmd.AddCommand(list, flushCmd, retry, discard, stats)
	return cmd
}

func withQueue(g *globalFlags, fn func(cmd *cobra.Command, rt *runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openSession(g)
		if err != nil {
			return err
		}
		defer s.Close()
		rt, err := s.runtime(cmd.Context(), runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(cmd, rt, args)
	}
}

func selectFailed(ctx context.Context, q *queue.Queue, args []string, all bool) ([]string, error) {
	if all && len(args) > 0 {
		return nil, failf(2, "pass queue ids or --all, not both")
	}
	if !all {
		if len(args) == 0 {
			return nil, failf(2, "no queue ids given")
		}
		return args, nil
	}
	var ids []string
	for _, it := range q.List(ctx) {
		if it.Status == queue.StatusFailedPermanent {
			ids = append(ids, it.QueueID)
		}
	}
	return ids, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	var format string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res config.ValidationResult
			cfg, err := config.Load(g.configPath)
			if err != nil {
				res = config.ValidationResult{Errors: []string{err.Error()}}
			} else {
				res = config.Validate(cfg)
			}

			var out string
			switch strings.ToLower(format) {
			case "text":
				out = config.FormatValidationText(res)
			case "json", "":
				out, err = config.FormatValidationJSON(res)
				if err != nil {
					return failf(1, "%v", err)
				}
			default:
				return failf(2, "invalid --format %q (use: json|text)", format)
			}
			if res.OK {
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			}
			fmt.Fprintln(cmd.ErrOrStderr(), out)
			return silentExit(1)
		},
	}
	validate.Flags().StringVar(&format, "format", "json", "output format: json|text")
	cmd.AddCommand(validate)
	return cmd
}
