package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage the admin API service",
	Long: `Manage the admin API and dashboard service.

start and stop drive the launchd unit directly; serve runs the admin
API in this process.`,
}

var adminStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the admin API under launchd",
	RunE:  runAdminStart,
}

var adminStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the admin API",
	RunE:  runAdminStop,
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(adminStartCmd)
	adminCmd.AddCommand(adminStopCmd)
}

func runAdminStart(cmd *cobra.Command, args []string) error {
	eng, err := localEngine()
	if err != nil {
		return err
	}
	ac, err := eng.StartAdmin(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to start admin API: %v", err)
	}
	fmt.Printf("Admin API started on http://%s:%d\n", ac.Host, ac.Port)
	return nil
}

func runAdminStop(cmd *cobra.Command, args []string) error {
	eng, err := localEngine()
	if err != nil {
		return err
	}
	if _, err := eng.StopAdmin(cmd.Context()); err != nil {
		return fmt.Errorf("failed to stop admin API: %v", err)
	}
	fmt.Println("Admin API stopped.")
	return nil
}
