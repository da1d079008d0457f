package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/sitestack/pkg/api/client"
	"github.com/splax/sitestack/pkg/config"
)

type globalOptions struct {
	apiBase string
	token   string
	json    bool
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "stackctl",
		Short:         "Operate sitestack jobs, allocations and schema",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.apiBase, "api", config.GetString("STACKCTL_API", "http://localhost:4000"), "Job API base URL")
	flags.StringVar(&opts.token, "token", config.GetString("STACKCTL_TOKEN", ""), "Bearer token for the job API")
	flags.BoolVar(&opts.json, "json", false, "Print raw JSON")
	flags.DurationVar(&opts.timeout, "timeout", 15*time.Second, "Request timeout")

	root.AddCommand(
		newJobsCmd(opts),
		newAllocationsCmd(opts),
		newSweepCmd(),
		newMigrateCmd(),
		newTokenCmd(opts),
		newHashPasswordCmd(),
	)
	return root
}

func (o *globalOptions) client() (*apiclient.Client, error) {
	return apiclient.New(o.apiBase, apiclient.WithToken(o.token))
}

func (o *globalOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printJob(w io.Writer, job apiclient.Job) {
	fmt.Fprintf(w, "Job ID:       %s\n", job.ID)
	fmt.Fprintf(w, "Type:         %s\n", job.JobType)
	fmt.Fprintf(w, "Environment:  %s\n", job.EnvironmentID)
	fmt.Fprintf(w, "Status:       %s\n", job.Status)
	fmt.Fprintf(w, "Created:      %s\n", formatTime(&job.CreatedAt))
	fmt.Fprintf(w, "Started:      %s\n", formatTime(job.StartedAt))
	fmt.Fprintf(w, "Completed:    %s\n", formatTime(job.CompletedAt))
	if job.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:        %s\n", job.ErrorMessage)
	}
	if len(job.Result) > 0 {
		fmt.Fprintf(w, "Result:       %s\n", job.Result)
	}
}
