package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"unicode/utf8"

	"codeagent/internal/agent"
	"codeagent/internal/domain"
	"codeagent/internal/provider"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		verbose      bool
		providerName string
		model        string
		metricsFile  string
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Ask the model and let it use the workspace tools",
		Example: `  codeagent run "what files are in the root?"
  codeagent run "fix the bug: 3 + 7 * 2 shouldn't be 20" --verbose`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return fmt.Errorf("prompt cannot be empty. Example: codeagent run \"How can I improve my skills in python\"")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			verbose = verbose || cfg.General.Verbose
			if model != "" {
				name := providerName
				if name == "" {
					name = cfg.General.DefaultProvider
				}
				if pc, ok := cfg.Providers[name]; ok {
					pc.DefaultModel = model
					cfg.Providers[name] = pc
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(cfg, stdinConfirm)
			if err != nil {
				return err
			}
			defer rt.Close()
			defer rt.flushMetrics(metricsFile)

			prov, err := provider.NewFactory(cfg, logger).Get(providerName)
			if err != nil {
				return err
			}
			logger.Debug("provider selected", "provider", prov.Name(), "model", prov.Model())

			loop, err := agent.NewLoop(agent.LoopConfig{
				Provider:    prov,
				Dispatcher:  rt.dispatcher,
				Reporter:    newConsoleReporter(os.Stdout, verbose),
				Logger:      logger,
				Metrics:     rt.metrics,
				PromptExtra: cfg.General.SystemPromptExtra,
				MaxTokens:   cfg.General.MaxTokens,
			})
			if err != nil {
				return err
			}

			out, err := loop.Run(ctx, prompt)
			if err != nil {
				return err
			}
			for _, c := range out.Unexecuted {
				logger.Warn("tool call not executed", "tool", c.Name)
			}
			fmt.Println("Response:")
			fmt.Println(out.Text)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the prompt, token counts and tool results")
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider name (default: general.defaultProvider)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "override the provider's model")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus text metrics to this file on exit")
	return cmd
}

func toolsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools offered to the model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			defs := rt.dispatcher.Definitions()
			if asJSON {
				data, _ := json.MarshalIndent(defs, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			for _, d := range defs {
				fmt.Printf("%s\n    %s\n", d.Name, d.Description)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full definitions as JSON")
	return cmd
}

func callCmd() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Dispatch one tool call directly, without a model",
		Example: `  codeagent call get_files_info --args '{"directory": "pkg"}'
  codeagent call run_python_file --args '{"file_path": "main.py", "args": "3 + 5"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs := map[string]any{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &callArgs); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(cfg, stdinConfirm)
			if err != nil {
				return err
			}
			defer rt.Close()

			res := rt.dispatcher.Dispatch(ctx, domain.ToolCall{
				ID:        "cli_" + uuid.NewString(),
				Name:      args[0],
				Arguments: callArgs,
			})
			fmt.Println(res.String())
			if res.Failed() {
				return fmt.Errorf("%s failed (%s)", args[0], res.Err.Kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&argsJSON, "args", "a", "", "tool arguments as a JSON object")
	return cmd
}

func auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent tool calls from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Audit.Enabled {
				return fmt.Errorf("audit is disabled (set audit.enabled to true)")
			}
			rt, err := newRuntime(cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			recs, err := rt.store.RecentToolCalls(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No tool calls recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTOOL\tSTATUS\tDURATION\tARGS")
			for _, r := range recs {
				status := "ok"
				if r.Failed {
					status = string(r.ErrorKind)
				}
				args, _ := json.Marshal(r.Arguments)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(r.CreatedAt), r.ToolName, status, r.Duration, truncate(string(args), 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of calls to show")
	return cmd
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// truncate keeps the first n runes so multi-byte text is never split.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
