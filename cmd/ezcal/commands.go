package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"ezcal/internal/content"
	"ezcal/internal/dedupe"
	"ezcal/internal/export"
	"ezcal/internal/format"
	"ezcal/internal/ics"
	appLog "ezcal/internal/log"
	"ezcal/internal/model"
	"ezcal/internal/orchestrator"
	"ezcal/internal/schedule"
	"ezcal/internal/store"
	"ezcal/internal/web"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled extractions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if listen != "" {
					a.cfg.Listen = listen
				}

				orch := a.newOrchestrator(a.browser())
				if err := orch.Recover(ctx); err != nil {
					return err
				}

				sched, err := schedule.New(orch, a.cfg.Watch, a.loc)
				if err != nil {
					return err
				}
				sched.Start(ctx)
				defer sched.Stop()

				srv := web.NewServer(a.cfg, a.store, orch, a.hub)
				defer srv.Close()

				appLog.Info("ezcal serving", "version", version, "watches", sched.Len())
				return srv.Serve(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func newExtractCmd() *cobra.Command {
	var (
		tabID       string
		keep        bool
		webmailHTML string
		formatFlag  string
	)

	cmd := &cobra.Command{
		Use:   "extract [url]",
		Short: "Extract events from a page and store them",
		Long: "Extract events from a page and store them. The stored list is replaced\n" +
			"unless --keep is given. Webmail pages are read from an open browser tab\n" +
			"(browser.remote_url) or from a saved HTML file (--webmail-html).",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := model.Target{TabID: tabID}
			if len(args) == 1 {
				target.URL = args[0]
			}
			if target.URL == "" && target.TabID == "" {
				return errors.New("give a url or --tab")
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				browser := a.browser()
				if webmailHTML != "" {
					if target.URL == "" {
						return errors.New("--webmail-html needs the page url")
					}
					data, err := os.ReadFile(webmailHTML)
					if err != nil {
						return fmt.Errorf("read %s: %w", webmailHTML, err)
					}
					key := target.TabID
					if key == "" {
						key = webmailHTML
					}
					browser = content.StaticPages{key: {URL: target.URL, HTML: string(data)}}
				}

				res, err := a.newOrchestrator(browser).Extract(ctx, orchestrator.Request{Target: target, Keep: keep})
				if err != nil {
					var cfgErr *orchestrator.ConfigError
					if errors.As(err, &cfgErr) {
						return fmt.Errorf("%w; set them with `ezcal keys set` or EZCAL_FC_API_KEY/EZCAL_MISTRAL_API_KEY", err)
					}
					return err
				}

				errOut := cmd.ErrOrStderr()
				switch res.Outcome {
				case orchestrator.OutcomeCancelled:
					fmt.Fprintln(errOut, "extraction cancelled") //nolint:errcheck
					return nil
				case orchestrator.OutcomeEmpty:
					fmt.Fprintln(errOut, "no events found on this page") //nolint:errcheck
					return nil
				}
				fmt.Fprintf(errOut, "%d events extracted\n", len(res.Events)) //nolint:errcheck
				return format.WriteEvents(cmd.OutOrStdout(), res.Events, outputFormat(cmd.OutOrStdout(), formatFlag))
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&tabID, "tab", "", "DevTools target id of an open tab to read")
	flags.BoolVar(&keep, "keep", false, "merge into the stored list instead of replacing it")
	flags.StringVar(&webmailHTML, "webmail-html", "", "saved HTML of a webmail page to read instead of a live tab")
	flags.StringVar(&formatFlag, "format", "", "output format: table, plain, or json (default: table on a terminal)")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		query      string
		formatFlag string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				events, err := cleanEvents(ctx, a)
				if err != nil {
					return err
				}
				return format.WriteEvents(cmd.OutOrStdout(), model.Filter(events, query), outputFormat(cmd.OutOrStdout(), formatFlag))
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&query, "query", "q", "", "only events whose title, location or start contains this text")
	flags.StringVar(&formatFlag, "format", "", "output format: table, plain, or json (default: table on a terminal)")
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		formatFlag string
		output     string
		query      string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored events as CSV or ICS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			formatFlag = strings.ToLower(formatFlag)
			if formatFlag != "csv" && formatFlag != "ics" {
				return fmt.Errorf("unsupported export format: %s", formatFlag)
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				events, err := cleanEvents(ctx, a)
				if err != nil {
					return err
				}
				events = model.Filter(events, query)
				if len(events) == 0 {
					return errors.New("no events to export")
				}

				var w io.Writer = cmd.OutOrStdout()
				if output != "" {
					f, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("create %s: %w", output, err)
					}
					defer f.Close()
					w = f
				}

				switch formatFlag {
				case "csv":
					err = export.WriteCSV(w, events)
				case "ics":
					_, err = io.WriteString(w, ics.Export(events, a.loc, time.Now()))
				}
				if err != nil {
					return err
				}
				if output != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d events to %s\n", len(events), output) //nolint:errcheck
				}
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&formatFlag, "format", "csv", "export format: csv or ics")
	flags.StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	flags.StringVarP(&query, "query", "q", "", "only export events matching this text")
	return cmd
}

func newImportCmd() *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "import <file-or-url>",
		Short: "Import events from an ICS calendar",
		Long: "Import events from an ICS calendar file or URL. Recurring events are\n" +
			"expanded within horizon_days of today and merged into the stored list.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			return withApp(cmd, func(ctx context.Context, a *app) error {
				body, err := readCalendar(ctx, a, src)
				if err != nil {
					return err
				}

				now := time.Now().In(a.loc)
				imported, err := ics.Events(src, body, ics.ExpandConfig{
					DisplayLocation: a.loc,
					RangeStart:      now.AddDate(0, 0, -a.cfg.HorizonDays),
					RangeEnd:        now.AddDate(0, 0, a.cfg.HorizonDays),
				})
				if err != nil {
					return err
				}

				var existing []model.Event
				if !replace {
					if existing, err = a.store.Events(ctx); err != nil {
						return err
					}
				}
				merged := dedupe.Merge(existing, imported)
				if err := a.store.SetEvents(ctx, merged); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d events, %d stored\n", len(imported), len(merged)) //nolint:errcheck
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "replace the stored list instead of merging")
	return cmd
}

// readCalendar reads src from disk, or over HTTP with a cache next to the
// database when it is a URL.
func readCalendar(ctx context.Context, a *app, src string) ([]byte, error) {
	lower := strings.ToLower(src)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		fetcher := ics.NewFetcher(filepath.Join(filepath.Dir(a.cfg.DBPath), "ics-cache"), 0)
		res, err := fetcher.Fetch(ctx, src)
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	}
	body, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src, err)
	}
	return body, nil
}

func newDedupeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Remove duplicate events from the stored list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				before, err := a.store.Events(ctx)
				if err != nil {
					return err
				}
				after, err := a.store.CleanEvents(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d duplicates, %d events left\n", len(before)-len(after), len(after)) //nolint:errcheck
				return nil
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one stored event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				removed, err := a.store.DeleteEvent(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("no event with id %q", args[0])
				}
				return nil
			})
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all stored events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.ClearEvents(ctx)
			})
		},
	}
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys for the fetch and model services",
	}

	var firecrawl, mistral string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store API keys; an empty value removes the key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if !flags.Changed("firecrawl") && !flags.Changed("mistral") {
				return errors.New("give --firecrawl and/or --mistral")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if flags.Changed("firecrawl") {
					if err := a.store.SetCredential(ctx, store.KeyFirecrawlAPIKey, firecrawl); err != nil {
						return err
					}
				}
				if flags.Changed("mistral") {
					if err := a.store.SetCredential(ctx, store.KeyMistralAPIKey, mistral); err != nil {
						return err
					}
				}
				return printKeyStatus(ctx, cmd.OutOrStdout(), a)
			})
		},
	}
	set.Flags().StringVar(&firecrawl, "firecrawl", "", "Firecrawl API key")
	set.Flags().StringVar(&mistral, "mistral", "", "Mistral API key")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show which API keys are configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return printKeyStatus(ctx, cmd.OutOrStdout(), a)
			})
		},
	}

	cmd.AddCommand(set, status)
	return cmd
}

func printKeyStatus(ctx context.Context, w io.Writer, a *app) error {
	for _, key := range []string{store.KeyFirecrawlAPIKey, store.KeyMistralAPIKey} {
		v, err := a.store.Credential(ctx, key)
		if err != nil {
			return err
		}
		state := "missing"
		if v != "" {
			state = "set"
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", key, state); err != nil {
			return err
		}
	}
	return nil
}

func newStateCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the persisted extraction state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.store.ExtractionState(ctx)
				if err != nil {
					return err
				}
				flag, err := a.store.Extracting(ctx)
				if err != nil {
					return err
				}
				return writeState(cmd.OutOrStdout(), st, flag, asJSON)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func writeState(w io.Writer, st model.ExtractionState, panelExtracting, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			State           model.ExtractionState `json:"state"`
			PanelExtracting bool                  `json:"panelExtracting"`
		}{st, panelExtracting})
	}
	if !st.IsExtracting {
		_, err := fmt.Fprintf(w, "idle (panel extracting: %v)\n", panelExtracting)
		return err
	}
	_, err := fmt.Fprintf(w, "extracting %s (tab %q, run %s, since %s, panel extracting: %v)\n",
		appLog.RedactURL(st.URL), st.TabID, st.RunID, st.StartTime.Format(time.RFC3339), panelExtracting)
	return err
}

// cleanEvents loads the deduplicated list. A failed rewrite only warns.
func cleanEvents(ctx context.Context, a *app) ([]model.Event, error) {
	events, err := a.store.CleanEvents(ctx)
	if err != nil && events == nil {
		return nil, err
	}
	if err != nil {
		appLog.Warn("rewrite deduplicated events failed", "err", err)
	}
	return events, nil
}

// outputFormat picks the list format: the flag when given, otherwise a
// table on a terminal and tab separated text elsewhere.
func outputFormat(out io.Writer, flag string) string {
	if flag != "" {
		return flag
	}
	if isTerminal(out) {
		return "table"
	}
	return "plain"
}

func isTerminal(out io.Writer) bool {
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
