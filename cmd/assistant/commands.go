package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"codeassist/internal/app"
	"codeassist/internal/assistant"
	"codeassist/internal/dataset"
)

type options struct {
	csvPath string
	session string
	date    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "assistant",
		Short:         "Ask a local model for code and run it in a sandbox",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.csvPath, "csv", "", "CSV file bound as df")
	root.PersistentFlags().StringVar(&opts.session, "session", "cli", "session id for memory")

	askCmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt, run the code in the reply and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app.App, ds *dataset.Frame) error {
				reply, err := a.Assistant.Handle(cmd.Context(), assistant.Request{
					Session: opts.session,
					Prompt:  strings.Join(args, " "),
					Dataset: ds,
				})
				if err != nil {
					return err
				}
				printReply(cmd.OutOrStdout(), reply)
				return nil
			})
		},
	}

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session with memory; type reset to clear it and exit to quit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app.App, ds *dataset.Frame) error {
				return chat(cmd, a, ds, opts.session)
			})
		},
	}

	execCmd := &cobra.Command{
		Use:   "exec [file]",
		Short: "Run a code file in the sandbox without the model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(a *app.App, ds *dataset.Frame) error {
				res := a.Assistant.Run(cmd.Context(), string(code), ds)
				if text := res.Text(); text != "" {
					fmt.Fprintln(cmd.OutOrStdout(), text)
				}
				if res.Faulted {
					return fmt.Errorf("execution %s", res.Status())
				}
				return nil
			})
		},
	}

	agentCmd := &cobra.Command{
		Use:   "agent [question]",
		Short: "Answer a question with the tool-using agent (weather, search, sandbox)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app.App, ds *dataset.Frame) error {
				ag, err := a.Agent(ds)
				if err != nil {
					return err
				}
				answer, err := ag.Run(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), answer)
				return nil
			})
		},
	}

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise the interaction log for one day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC()
			if opts.date != "" {
				var err error
				if day, err = time.Parse("2006-01-02", opts.date); err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
			}
			return withApp(cmd, opts, func(a *app.App, _ *dataset.Frame) error {
				text, err := a.Report(cmd.Context(), day)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
	reportCmd.Flags().StringVar(&opts.date, "date", "", "day to report, YYYY-MM-DD (default today, UTC)")

	root.AddCommand(askCmd, chatCmd, execCmd, agentCmd, reportCmd)
	return root
}

// withApp builds the application, loads the --csv dataset and runs fn.
func withApp(cmd *cobra.Command, opts *options, fn func(*app.App, *dataset.Frame) error) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg, app.Options{LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer a.Close()

	var ds *dataset.Frame
	if opts.csvPath != "" {
		f, err := os.Open(opts.csvPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if ds, err = dataset.FromCSV(opts.csvPath, f); err != nil {
			return err
		}
	}
	return fn(a, ds)
}

func chat(cmd *cobra.Command, a *app.App, ds *dataset.Frame, session string) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "reset":
			a.Memory.Reset(session)
			fmt.Fprintln(out, "Memory cleared.")
			continue
		}
		reply, err := a.Assistant.Handle(cmd.Context(), assistant.Request{Session: session, Prompt: line, Dataset: ds})
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		printReply(out, reply)
	}
}

func printReply(w io.Writer, r assistant.Reply) {
	fmt.Fprintln(w, strings.TrimSpace(r.Response))
	fmt.Fprintf(w, "\n[%s]\n%s\n", r.Outcome, r.Message())
}
