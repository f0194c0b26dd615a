package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hydrophone-downloader/internal/gateway"
	"hydrophone-downloader/internal/models"
	"hydrophone-downloader/internal/telemetry"
)

func newCatalogCommand(a *app) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List hydrophone locations, devices and deployments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			gcfg := gateway.DefaultConfig()
			gcfg.BaseURL = a.cfg.BaseURL
			gcfg.Token = a.cfg.Token
			gcfg.Timeout = a.cfg.RequestTimeout
			gcfg.Logger = a.logger
			gcfg.OnRequest = telemetry.ObserveRequest
			gw, err := gateway.NewClient(gcfg)
			if err != nil {
				return err
			}
			return runCatalog(cmd.Context(), a, gw, cmd.OutOrStdout(), asYAML)
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print the catalog as YAML")
	return cmd
}

func runCatalog(ctx context.Context, a *app, gw gateway.Gateway, out io.Writer, asYAML bool) error {
	q := models.CatalogQuery{LocationID: a.cfg.Location}
	if a.cfg.Start != "" || a.cfg.End != "" {
		window, err := a.cfg.Window()
		if err != nil {
			return err
		}
		q.Window = window
	}
	entries, err := gw.ListCatalog(ctx, q)
	if err != nil {
		return err
	}
	if asYAML {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return err
		}
		return enc.Close()
	}
	return writeCatalog(out, entries)
}

func writeCatalog(out io.Writer, entries []models.CatalogEntry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCATION\tNAME\tDEVICE\tBEGIN\tEND")
	for _, e := range entries {
		for _, d := range e.Deployments {
			end := "ongoing"
			if !d.End.IsZero() {
				end = d.End.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.LocationID, e.LocationName, d.DeviceID, d.Begin.Format(time.RFC3339), end)
		}
	}
	return w.Flush()
}
