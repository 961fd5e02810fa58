package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/usage"
)

// buildUsageCmd creates the "usage" command, which prints the token and cost
// totals a running server has tracked per provider and model.
func buildUsageCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage tracked by a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsage(cmd.Context(), server, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "http://127.0.0.1:8787", "Server base URL")
	return cmd
}

func runUsage(ctx context.Context, server string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/api/usage", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", server, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeHTTPError(resp)
	}

	var body struct {
		Totals map[string]usage.Usage `json:"totals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode usage: %w", err)
	}
	if len(body.Totals) == 0 {
		_, err := fmt.Fprintln(out, "No usage recorded")
		return err
	}

	keys := make([]string, 0, len(body.Totals))
	for k := range body.Totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER:MODEL\tTURNS\tUSAGE")
	for _, k := range keys {
		u := body.Totals[k]
		fmt.Fprintf(tw, "%s\t%d\t%s\n", k, u.Turns, usage.FormatUsageDetailed(&u))
	}
	return tw.Flush()
}
