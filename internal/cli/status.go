package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the whole installation",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	st, err := c.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to fetch status: %v", err)
	}

	fmt.Printf("Router:  %s on %s:%d\n", st.Router.State, st.Router.Host, st.Router.Port)
	fmt.Printf("Servers: %d running, %d stopped\n", st.RunningCount, st.StoppedCount)
	fmt.Printf("Models:  %d (%s)\n", st.ModelCount, humanize.Bytes(uint64(st.ModelsDirSize)))
	fmt.Printf("Jobs:    %d active\n", st.ActiveJobs)

	if len(st.Servers) > 0 {
		fmt.Println()
		return printServerTable(st.Servers)
	}
	return nil
}
