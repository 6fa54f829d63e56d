package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/appkitstudio/llamactl/pkg/models"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List download jobs",
	Long: `List download jobs.

Finished jobs stay visible for a few minutes before the admin service
evicts them; jobs do not survive an admin restart.`,
	RunE: runJobsList,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel [JOB]",
	Short: "Cancel a running download",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	jobs, err := c.ListJobs(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list jobs: %v", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tREPO\tFILE\tSTATUS\tPROGRESS")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Repo, j.Filename, j.Status, jobProgress(j))
	}
	return w.Flush()
}

func jobProgress(j *models.DownloadJob) string {
	switch j.Status {
	case models.JobCompleted:
		return humanize.Bytes(uint64(j.Progress.Downloaded))
	case models.JobFailed:
		return j.Error
	case models.JobDownloading:
		return fmt.Sprintf("%.1f%% (%s / %s)", j.Progress.Percentage,
			humanize.Bytes(uint64(j.Progress.Downloaded)), humanize.Bytes(uint64(j.Progress.Total)))
	default:
		return "-"
	}
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	if err := c.CancelJob(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to cancel job: %v", err)
	}
	fmt.Printf("Job %s cancelling.\n", args[0])
	return nil
}
