package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/sitestack/pkg/api/client"
)

func newJobsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect jobs",
	}
	cmd.AddCommand(newJobsSubmitCmd(opts), newJobsStatusCmd(opts), newJobsListCmd(opts))
	return cmd
}

func newJobsSubmitCmd(opts *globalOptions) *cobra.Command {
	var params, paramsFile string
	cmd := &cobra.Command{
		Use:   "submit <job-type> <environment-id>",
		Short: "Submit a provision, deprovision, backup, restore or resource-change job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(params)
			if paramsFile != "" {
				data, err := os.ReadFile(paramsFile)
				if err != nil {
					return fmt.Errorf("read parameters: %w", err)
				}
				raw = data
			}
			if len(raw) > 0 && !json.Valid(raw) {
				return errors.New("parameters must be valid JSON")
			}
			cli, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			job, err := cli.SubmitJob(ctx, apiclient.SubmitJobRequest{
				JobType:       args[0],
				EnvironmentID: args[1],
				Parameters:    raw,
			})
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s job %s (%s)\n", job.JobType, job.ID, job.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "Job parameters as a JSON object")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "Read job parameters from a JSON file")
	return cmd
}

func newJobsStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			job, err := cli.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newJobsListCmd(opts *globalOptions) *cobra.Command {
	var environmentID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs of an environment or in one status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (environmentID == "") == (status == "") {
				return errors.New("exactly one of --environment or --status is required")
			}
			cli, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			var list []apiclient.Job
			if environmentID != "" {
				list, err = cli.ListEnvironmentJobs(ctx, environmentID, limit)
			} else {
				list, err = cli.ListJobsByStatus(ctx, status, limit)
			}
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tENVIRONMENT\tSTATUS\tCREATED\tERROR")
			for _, job := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", job.ID, job.JobType, job.EnvironmentID, job.Status, formatTime(&job.CreatedAt), job.ErrorMessage)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&environmentID, "environment", "", "Environment id")
	cmd.Flags().StringVar(&status, "status", "", "Job status (pending, running, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs")
	return cmd
}

func newAllocationsCmd(opts *globalOptions) *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "allocations",
		Short: "List active resource allocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			list, err := cli.ListAllocations(ctx, class)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "VALUE\tENVIRONMENT\tALLOCATED")
			for _, a := range list {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", a.Value, a.EnvironmentID, formatTime(&a.AllocatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&class, "class", "port", "Resource class")
	return cmd
}
