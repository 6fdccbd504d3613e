package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"devcommandhub/api/internal/app"
	"devcommandhub/api/internal/chatbot"
	"devcommandhub/api/internal/config"
	"devcommandhub/api/internal/logging"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cmdhubctl",
		Short:         "Maintenance tool for the DevCommandHub catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCommand(),
		newDuplicatesCommand(),
		newWipeCommand(),
		newReindexCommand(),
		newAskCommand(),
		newRulesCommand(),
	)
	return root
}

// withRuntime loads config, starts the runtime and runs fn with it.
func withRuntime(ctx context.Context, fn func(*app.Runtime, zerolog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: "console"})
	rt, err := app.Start(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt, logger)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(*app.Runtime, zerolog.Logger) error {
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
				return nil
			})
		},
	}
}

func newDuplicatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "Find or remove records that share category and command text",
	}
	cmd.AddCommand(newDuplicatesScanCommand(), newDuplicatesResolveCommand())
	return cmd
}

func newDuplicatesScanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List duplicate groups without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *app.Runtime, _ zerolog.Logger) error {
				report, err := rt.Service.ScanDuplicates(cmd.Context(), app.OperatorSession())
				if err != nil {
					return err
				}
				renderDuplicateReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func renderDuplicateReport(w io.Writer, report app.DuplicateReport) {
	if len(report.Groups) == 0 {
		fmt.Fprintln(w, "No duplicates found.")
		return
	}
	for _, group := range report.Groups {
		fmt.Fprintf(w, "%s\n  keep   %s  %s\n", group.Key, group.Keep.ID, group.Keep.CreatedAt.Format("2006-01-02 15:04"))
		for _, remove := range group.Remove {
			fmt.Fprintf(w, "  remove %s  %s\n", remove.ID, remove.CreatedAt.Format("2006-01-02 15:04"))
		}
	}
	fmt.Fprintf(w, "%d group(s), %d record(s) would be deleted.\n", len(report.Groups), report.RemoveCount)
}

func newDuplicatesResolveCommand() *cobra.Command {
	var key string
	var yes bool
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Delete every duplicate except the oldest record of each group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *app.Runtime, _ zerolog.Logger) error {
				result, err := rt.Service.ResolveDuplicates(cmd.Context(), app.OperatorSession(), app.ResolveInput{Key: key, Confirm: yes})
				var domainErr *app.DomainError
				if errors.As(err, &domainErr) && domainErr.Code == "CONFIRMATION_REQUIRED" {
					return fmt.Errorf("%s; rerun with --yes", domainErr.Message)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d duplicate record(s).\n", result.Deleted)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Only resolve the group with this key (category|text)")
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the deletion")
	return cmd
}

func newWipeCommand() *cobra.Command {
	var yes, really bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every record in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes || !really {
				return errors.New("wipe deletes every record; rerun with --yes --really")
			}
			return withRuntime(cmd.Context(), func(rt *app.Runtime, _ zerolog.Logger) error {
				operator := app.OperatorSession()
				ticket, err := rt.Service.PrepareWipe(cmd.Context(), operator)
				if err != nil {
					return err
				}
				result, err := rt.Service.Wipe(cmd.Context(), operator, ticket.Token, true)
				if err != nil {
					return err
				}
				if result.Snapshot != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Snapshot written to %s.\n", result.Snapshot)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d record(s).\n", result.Deleted)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the wipe")
	cmd.Flags().BoolVar(&really, "really", false, "Confirm the wipe a second time")
	return cmd
}

func newReindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from approved records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *app.Runtime, _ zerolog.Logger) error {
				if err := rt.Service.Bootstrap(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Reindex queued.")
				return nil
			})
		},
	}
}

// loadResponder uses the rules file when given, else the embedded table.
func loadResponder(path string) (*chatbot.Responder, error) {
	rules, err := chatbot.LoadRules(path)
	if err != nil {
		return nil, err
	}
	return chatbot.NewResponder(rules), nil
}

func newAskCommand() *cobra.Command {
	var rulesFile string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the help bot a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			responder, err := loadResponder(rulesFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), responder.Respond(strings.Join(args, " ")))
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "", "YAML rules file (defaults to the built-in table)")
	return cmd
}

func newRulesCommand() *cobra.Command {
	var rulesFile string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the help bot's keyword table in match order",
		RunE: func(cmd *cobra.Command, args []string) error {
			responder, err := loadResponder(rulesFile)
			if err != nil {
				return err
			}
			rules := responder.Rules()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rules)
			}
			for i, rule := range rules {
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %s\n", i+1, strings.Join(rule.Keywords, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "", "YAML rules file (defaults to the built-in table)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
