package main

import (
	"bb-watcher/poll"
	"bb-watcher/server"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bb-watcher",
		Short:         "bb-watcher pushes Blackboard announcements, content, assignments and grades as they change.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(),
		newFetchCmd(),
		newServeCmd(),
		newStatusCmd(),
		newExportCmd(),
		newRunsCmd(),
	)
	return root
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newRunCmd() *cobra.Command {
	var (
		dryRun      bool
		limit       int
		courseLimit int
	)
	cmd := &cobra.Command{
		Use:   "run [--dry-run] [--limit N] [--course-limit N]",
		Short: "Fetches the portal once, pushes what changed and records it.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("course-limit") {
				a.cfg.CourseLimit = courseLimit
			}
			if !cmd.Flags().Changed("limit") {
				limit = a.cfg.PollLimit
			}
			if limit < 0 || a.cfg.CourseLimit < 0 {
				return errors.New("limits must not be negative")
			}

			ctx := cmd.Context()
			m, err := a.newMonitor(ctx)
			if err != nil {
				return err
			}
			rep, err := m.Run(ctx, poll.Options{PortalURL: a.cfg.PortalURL, Limit: limit, DryRun: dryRun})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Decide and preview messages without pushing or marking them notified.")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum messages to push this run (0 = all; default POLL_LIMIT_PER_RUN).")
	cmd.Flags().IntVar(&courseLimit, "course-limit", 0, "Only visit the first N courses (0 = all).")
	return cmd
}

func newFetchCmd() *cobra.Command {
	var courseLimit int
	cmd := &cobra.Command{
		Use:   "fetch [--course-limit N]",
		Short: "Fetches the portal and prints items and errors without touching the store.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("course-limit") {
				a.cfg.CourseLimit = courseLimit
			}
			ctx := cmd.Context()
			m, err := a.newFetcher(ctx)
			if err != nil {
				return err
			}
			res, err := m.Fetch(ctx, a.cfg.PortalURL)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&courseLimit, "course-limit", 0, "Only visit the first N courses (0 = all).")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves /health, /pollz and /status for an external scheduler.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			m, err := a.newMonitor(ctx)
			if err != nil {
				return err
			}
			srv := server.New(&server.Config{
				Poller:    m,
				Status:    a.store,
				Logger:    a.logger,
				PortalURL: a.cfg.PortalURL,
				Limit:     a.cfg.PollLimit,
			})
			return srv.ListenAndServe(ctx, a.cfg.Port)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints how many items are stored and how many were notified.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			total, notified, err := st.Counts(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"db":       a.cfg.DBPath,
				"items":    total,
				"notified": notified,
			})
		},
	}
}

func newExportCmd() *cobra.Command {
	var toArchive bool
	cmd := &cobra.Command{
		Use:   "export [--archive]",
		Short: "Dumps every stored record as JSON to stdout or the run archive.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			records, err := st.Records(ctx)
			if err != nil {
				return err
			}
			if !toArchive {
				return writeJSON(cmd.OutOrStdout(), records)
			}

			arc, err := a.openArchive(ctx)
			if err != nil {
				return err
			}
			key := exportKey(time.Now())
			if err := arc.Save(ctx, key, records); err != nil {
				return err
			}
			a.logger.Info("Exported records", "key", key, "count", len(records))
			return nil
		},
	}
	cmd.Flags().BoolVar(&toArchive, "archive", false, "Write the export to the run archive instead of stdout.")
	return cmd
}

func exportKey(t time.Time) string {
	return "exports/" + t.UTC().Format("20060102T150405Z") + ".json"
}

func newRunsCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "runs [--prefix runs/]",
		Short: "Lists archived run outputs.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			arc, err := a.openArchive(cmd.Context())
			if err != nil {
				return err
			}
			keys, err := arc.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "runs/", "Only list keys under this prefix.")
	return cmd
}
