package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Manage the inference router",
	Long: `Manage the OpenAI and Anthropic compatible router.

start, stop and restart drive the launchd unit directly, so they work
even when the admin API is down. serve runs the router in this process.`,
}

var routerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the router under launchd",
	RunE:  runRouterStart,
}

var routerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the router",
	RunE:  runRouterStop,
}

var routerRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the router",
	RunE:  runRouterRestart,
}

var (
	routerLogType  string
	routerLogLines int
)

var routerLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Tail the router logs",
	Long: `Tail a router log. --type selects stdout (default), stderr, or
requests for the per-request access log.`,
	RunE: runRouterLogs,
}

func init() {
	rootCmd.AddCommand(routerCmd)
	routerCmd.AddCommand(routerStartCmd)
	routerCmd.AddCommand(routerStopCmd)
	routerCmd.AddCommand(routerRestartCmd)
	routerCmd.AddCommand(routerLogsCmd)

	routerLogsCmd.Flags().StringVar(&routerLogType, "type", "", "log to read: stdout, stderr, requests")
	routerLogsCmd.Flags().IntVarP(&routerLogLines, "lines", "n", 100, "number of lines to show")
}

func runRouterStart(cmd *cobra.Command, args []string) error {
	eng, err := localEngine()
	if err != nil {
		return err
	}
	rc, err := eng.StartRouter(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to start router: %v", err)
	}
	fmt.Printf("Router started on %s:%d\n", rc.Host, rc.Port)
	return nil
}

func runRouterStop(cmd *cobra.Command, args []string) error {
	eng, err := localEngine()
	if err != nil {
		return err
	}
	if _, err := eng.StopRouter(cmd.Context()); err != nil {
		return fmt.Errorf("failed to stop router: %v", err)
	}
	fmt.Println("Router stopped.")
	return nil
}

func runRouterRestart(cmd *cobra.Command, args []string) error {
	eng, err := localEngine()
	if err != nil {
		return err
	}
	rc, err := eng.RestartRouter(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to restart router: %v", err)
	}
	fmt.Printf("Router restarted on %s:%d\n", rc.Host, rc.Port)
	return nil
}

func runRouterLogs(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	resp, err := c.RouterLogs(cmd.Context(), routerLogType, routerLogLines)
	if err != nil {
		return fmt.Errorf("failed to read logs: %v", err)
	}
	if len(resp.Lines) == 0 {
		fmt.Println("No log output.")
		return nil
	}
	fmt.Println(strings.Join(resp.Lines, "\n"))
	return nil
}
