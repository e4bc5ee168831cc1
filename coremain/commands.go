package coremain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/domainscope/domainscope/mlog"
	"github.com/domainscope/domainscope/pkg/engine"
	"github.com/domainscope/domainscope/pkg/pgdb"
)

const summaryWidth = 60

func newInspectCmd() *cobra.Command {
	var (
		cfgFile string
		asJSON  bool
		timeout time.Duration
	)
	c := &cobra.Command{
		Use:   "inspect [-c config_file] domain",
		Short: "Look up every resource of a domain and print it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(cfgFile)
			if err != nil {
				return err
			}
			lg, err := mlog.NewLogger(&cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to init logger: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			d, err := newDomainscope(ctx, cfg, lg, false)
			if err != nil {
				return err
			}
			defer d.close()

			views, err := d.engine.LookupAll(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				out := make([]apiResource, 0, len(views))
				for _, v := range views {
					out = append(out, toAPIResource(v))
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			renderViews(cmd.OutOrStdout(), views)
			return nil
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	c.Flags().BoolVar(&asJSON, "json", false, "print json instead of a table")
	c.Flags().DurationVar(&timeout, "timeout", time.Minute, "lookup timeout")
	return c
}

// renderViews prints one row per kind.
func renderViews(w io.Writer, views []engine.View) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Kind", "State", "Reason", "Source", "Fetched", "Expires", "Data"})
	for _, v := range views {
		row := table.Row{v.Kind, v.State, v.Reason, "", "", "", ""}
		if c := v.Resource; c != nil {
			row[3] = c.SourceLabel
			row[4] = c.FetchedAt.Format(time.RFC3339)
			row[5] = c.ExpiresAt.Format(time.RFC3339)
			row[6] = summarize(c.Payload)
		}
		t.AppendRow(row)
	}
	t.Render()
}

func summarize(b []byte) string {
	if !utf8.Valid(b) {
		return fmt.Sprintf("(%d bytes)", len(b))
	}
	if utf8.RuneCount(b) <= summaryWidth {
		return string(b)
	}
	r := []rune(string(b))
	return string(r[:summaryWidth-3]) + "..."
}

func newMigrateCmd() *cobra.Command {
	var cfgFile string
	c := &cobra.Command{
		Use:   "migrate [-c config_file]",
		Short: "Apply pending postgres migrations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(cfgFile)
			if err != nil {
				return err
			}
			if len(cfg.Postgres.URL) == 0 {
				return errors.New("postgres.url is not configured")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			db, err := pgdb.Connect(ctx, cfg.Postgres)
			if err != nil {
				return fmt.Errorf("failed to connect to postgres, %w", err)
			}
			defer db.Close()
			if err := db.Migrate(ctx, mlog.L()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "migrations applied")
			return nil
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	return c
}
