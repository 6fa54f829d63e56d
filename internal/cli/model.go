package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/appkitstudio/llamactl/pkg/client"
	"github.com/appkitstudio/llamactl/pkg/models"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage model files",
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List models in the models directory",
	RunE:  runModelList,
}

var modelRmCascade bool

var modelRmCmd = &cobra.Command{
	Use:   "rm [MODEL]",
	Short: "Delete a model file",
	Long: `Delete a model file, or every shard of a sharded set.

A model that backends are configured on cannot be deleted unless
--cascade is given, which stops and removes those backends first.`,
	Args: cobra.ExactArgs(1),
	RunE: runModelRm,
}

var modelDownloadDetach bool

var modelDownloadCmd = &cobra.Command{
	Use:   "download [REPO] [FILENAME]",
	Short: "Download a model from the hub",
	Long: `Download a model file from the hub into the models directory.

Sharded models are detected from the filename and every shard is
fetched. The command watches progress until the download finishes;
pass --detach to return immediately.`,
	Args: cobra.ExactArgs(2),
	RunE: runModelDownload,
}

var (
	searchLimit int
	searchFiles bool
)

var modelSearchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Search the hub for GGUF models",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelSearch,
}

func init() {
	rootCmd.AddCommand(modelCmd)
	modelCmd.AddCommand(modelListCmd)
	modelCmd.AddCommand(modelRmCmd)
	modelCmd.AddCommand(modelDownloadCmd)
	modelCmd.AddCommand(modelSearchCmd)

	modelRmCmd.Flags().BoolVar(&modelRmCascade, "cascade", false, "also remove backends configured on the model")
	modelDownloadCmd.Flags().BoolVar(&modelDownloadDetach, "detach", false, "do not wait for the download to finish")
	modelSearchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum results")
	modelSearchCmd.Flags().BoolVar(&searchFiles, "files", false, "list the GGUF files in each result")
}

func runModelList(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	entries, err := c.ListModels(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list models: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("No models found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED\tSHARDS\tUSED BY")
	for _, m := range entries {
		shards := "-"
		if m.Sharded {
			shards = fmt.Sprintf("%d", m.ShardCount)
		}
		usedBy := "-"
		if len(m.Dependents) > 0 {
			usedBy = strings.Join(m.Dependents, ", ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.Filename, humanize.Bytes(uint64(m.Size)), humanize.Time(m.Modified), shards, usedBy)
	}
	return w.Flush()
}

func runModelRm(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	result, err := c.DeleteModel(cmd.Context(), args[0], modelRmCascade)
	if err != nil {
		return fmt.Errorf("failed to delete model: %v", err)
	}
	fmt.Printf("Deleted %s, freed %s\n", result.Model, humanize.Bytes(uint64(result.FreedBytes)))
	for _, id := range result.RemovedServers {
		fmt.Printf("Removed server %s\n", id)
	}
	return nil
}

func runModelDownload(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	jobID, err := c.Download(cmd.Context(), args[0], args[1])
	if err != nil {
		return fmt.Errorf("failed to start download: %v", err)
	}
	fmt.Printf("Download started (job %s)\n", jobID)
	if modelDownloadDetach {
		fmt.Println("Watch it with: llamactl jobs")
		return nil
	}
	return watchJob(cmd.Context(), c, jobID)
}

// watchJob polls one download job and redraws a progress line until the
// job reaches a terminal status.
func watchJob(ctx context.Context, c *client.Client, id string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		job, err := c.GetJob(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to poll job: %v", err)
		}

		switch job.Status {
		case models.JobCompleted:
			fmt.Printf("\rDownloaded %s (%s)                              \n",
				job.Filename, humanize.Bytes(uint64(job.Progress.Downloaded)))
			return nil
		case models.JobFailed:
			fmt.Println()
			return fmt.Errorf("download failed: %s", job.Error)
		case models.JobCancelled:
			fmt.Println()
			return fmt.Errorf("download cancelled")
		default:
			fmt.Printf("\r%s  %5.1f%%  %s / %s  %s/s   ",
				job.Filename, job.Progress.Percentage,
				humanize.Bytes(uint64(job.Progress.Downloaded)),
				humanize.Bytes(uint64(job.Progress.Total)),
				humanize.Bytes(uint64(job.Progress.Speed)))
		}
	}
}

func runModelSearch(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	results, err := c.SearchModels(cmd.Context(), args[0], searchLimit)
	if err != nil {
		return fmt.Errorf("failed to search hub: %v", err)
	}
	if len(results) == 0 {
		fmt.Println("No models found.")
		return nil
	}

	if searchFiles {
		for _, r := range results {
			fmt.Printf("%s (%s downloads, %d likes)\n", r.ID, humanize.Comma(r.Downloads), r.Likes)
			for _, f := range r.Files {
				fmt.Printf("  %s\n", f)
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "REPO\tDOWNLOADS\tLIKES\tGGUF FILES")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", r.ID, humanize.Comma(r.Downloads), r.Likes, len(r.Files))
	}
	return w.Flush()
}
