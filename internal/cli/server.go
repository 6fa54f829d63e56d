package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/appkitstudio/llamactl/pkg/models"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage llama-server backends",
	Long: `Manage llama-server backends.

Commands taking an identifier accept a server id, an alias, a port, or
any unique substring of the id or model name.`,
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured backends",
	RunE:  runServerList,
}

var createReq struct {
	model      string
	alias      string
	port       int
	host       string
	threads    int
	ctxSize    int
	gpuLayers  int
	verbose    bool
	embeddings bool
	jinja      bool
	flags      []string
}

var serverCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backend for a model",
	Long: `Create a backend for a model.

--model takes a filename, a base model name, or an absolute path; it is
resolved against the models directory. Unset tuning flags fall back to
the global defaults, and an unset port is allocated automatically.`,
	RunE: runServerCreate,
}

var serverStartCmd = &cobra.Command{
	Use:   "start [IDENTIFIER]",
	Short: "Start a backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerStart,
}

var serverStopCmd = &cobra.Command{
	Use:   "stop [IDENTIFIER]",
	Short: "Stop a backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerStop,
}

var serverRestartCmd = &cobra.Command{
	Use:   "restart [IDENTIFIER]",
	Short: "Restart a backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerRestart,
}

var serverRmCmd = &cobra.Command{
	Use:   "rm [IDENTIFIER]",
	Short: "Remove a backend",
	Long:  "Remove a backend. A running backend is stopped first; the model file stays on disk.",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerRm,
}

var (
	serverLogType  string
	serverLogLines int
)

var serverLogsCmd = &cobra.Command{
	Use:   "logs [IDENTIFIER]",
	Short: "Tail a backend log",
	Long: `Tail a backend log. --type selects stderr (default, where llama-server
reports), stdout, or http for the per-request log.`,
	Args: cobra.ExactArgs(1),
	RunE: runServerLogs,
}

var updateRestart bool

var serverUpdateCmd = &cobra.Command{
	Use:   "update [IDENTIFIER]",
	Short: "Update a backend's configuration",
	Long: `Update a backend's configuration. Only flags you set are changed.

Changing --model renames the backend to match the new model; the alias
and port carry over. Pass --restart to bounce a running backend so the
change takes effect immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: runServerUpdate,
}

var serverHistoryCmd = &cobra.Command{
	Use:   "history [IDENTIFIER]",
	Short: "Show a backend's lifecycle history",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerHistory,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(serverListCmd)
	serverCmd.AddCommand(serverCreateCmd)
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverStopCmd)
	serverCmd.AddCommand(serverRestartCmd)
	serverCmd.AddCommand(serverRmCmd)
	serverCmd.AddCommand(serverLogsCmd)
	serverCmd.AddCommand(serverUpdateCmd)
	serverCmd.AddCommand(serverHistoryCmd)

	for _, c := range []*cobra.Command{serverCreateCmd, serverUpdateCmd} {
		c.Flags().StringVar(&createReq.model, "model", "", "model filename, base name, or absolute path")
		c.Flags().StringVar(&createReq.alias, "alias", "", "short name for CLI and API lookups")
		c.Flags().IntVar(&createReq.port, "port", 0, "listen port (default: allocated)")
		c.Flags().StringVar(&createReq.host, "host", "", "listen host (default: 127.0.0.1)")
		c.Flags().IntVar(&createReq.threads, "threads", 0, "CPU threads (default: global)")
		c.Flags().IntVar(&createReq.ctxSize, "ctx-size", 0, "context window in tokens (default: global)")
		c.Flags().IntVar(&createReq.gpuLayers, "gpu-layers", 0, "layers offloaded to GPU (default: global)")
		c.Flags().BoolVar(&createReq.verbose, "verbose", false, "verbose llama-server logging")
		c.Flags().BoolVar(&createReq.embeddings, "embeddings", false, "enable the embeddings endpoint")
		c.Flags().BoolVar(&createReq.jinja, "jinja", false, "enable jinja chat templates")
		c.Flags().StringArrayVar(&createReq.flags, "flag", nil, "extra llama-server flag (repeatable)")
	}
	serverCreateCmd.MarkFlagRequired("model")
	serverUpdateCmd.Flags().BoolVar(&updateRestart, "restart", false, "restart the backend if it is running")

	serverLogsCmd.Flags().StringVar(&serverLogType, "type", "", "log to read: stderr, stdout, http")
	serverLogsCmd.Flags().IntVarP(&serverLogLines, "lines", "n", 100, "number of lines to show")
}

func runServerList(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	servers, err := c.ListServers(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list servers: %v", err)
	}
	if len(servers) == 0 {
		fmt.Println("No servers found.")
		return nil
	}
	return printServerTable(servers)
}

func printServerTable(servers []*models.BackendConfig) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tALIAS\tMODEL\tSTATUS\tPORT\tPID")
	for _, s := range servers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, orDash(s.Alias), s.ModelName, s.Status, s.Port, pidColumn(s))
	}
	return w.Flush()
}

func runServerCreate(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	b, err := c.CreateServer(cmd.Context(), models.CreateServerRequest{
		Model:       createReq.model,
		Alias:       createReq.alias,
		Port:        createReq.port,
		Host:        createReq.host,
		Threads:     createReq.threads,
		CtxSize:     createReq.ctxSize,
		GPULayers:   createReq.gpuLayers,
		Verbose:     createReq.verbose,
		Embeddings:  createReq.embeddings,
		Jinja:       createReq.jinja,
		CustomFlags: createReq.flags,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}
	fmt.Printf("Created server %s on %s:%d\n", b.ID, b.Host, b.Port)
	fmt.Printf("Start it with: llamactl server start %s\n", b.ID)
	return nil
}

func runServerStart(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	b, err := c.StartServer(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to start server: %v", err)
	}
	fmt.Printf("Server %s started on %s:%d (pid %d)\n", b.ID, b.Host, b.Port, b.PID)
	return nil
}

func runServerStop(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	b, err := c.StopServer(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to stop server: %v", err)
	}
	fmt.Printf("Server %s stopped.\n", b.ID)
	return nil
}

func runServerRestart(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	b, err := c.RestartServer(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to restart server: %v", err)
	}
	fmt.Printf("Server %s restarted on %s:%d (pid %d)\n", b.ID, b.Host, b.Port, b.PID)
	return nil
}

func runServerRm(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	id, err := c.DeleteServer(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to remove server: %v", err)
	}
	fmt.Printf("Server %s removed.\n", id)
	return nil
}

func runServerLogs(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	resp, err := c.ServerLogs(cmd.Context(), args[0], serverLogType, serverLogLines)
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

func runServerUpdate(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}

	// Only flags the user set become part of the patch.
	req := models.UpdateServerRequest{Restart: updateRestart}
	flags := cmd.Flags()
	if flags.Changed("model") {
		req.Model = &createReq.model
	}
	if flags.Changed("alias") {
		req.Alias = &createReq.alias
	}
	if flags.Changed("port") {
		req.Port = &createReq.port
	}
	if flags.Changed("host") {
		req.Host = &createReq.host
	}
	if flags.Changed("threads") {
		req.Threads = &createReq.threads
	}
	if flags.Changed("ctx-size") {
		req.CtxSize = &createReq.ctxSize
	}
	if flags.Changed("gpu-layers") {
		req.GPULayers = &createReq.gpuLayers
	}
	if flags.Changed("verbose") {
		req.Verbose = &createReq.verbose
	}
	if flags.Changed("embeddings") {
		req.Embeddings = &createReq.embeddings
	}
	if flags.Changed("jinja") {
		req.Jinja = &createReq.jinja
	}
	if flags.Changed("flag") {
		req.CustomFlags = &createReq.flags
	}

	resp, err := c.UpdateServer(cmd.Context(), args[0], req)
	if err != nil {
		return fmt.Errorf("failed to update server: %v", err)
	}
	if resp.Migrated {
		fmt.Printf("Server %s migrated to %s\n", resp.OldID, resp.NewID)
	} else {
		fmt.Printf("Server %s updated.\n", resp.Server.ID)
	}
	if resp.Restarted {
		fmt.Println("Server restarted with the new configuration.")
	}
	return nil
}

func runServerHistory(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	entries, err := c.ServerHistory(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to read history: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("No history found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tSTATUS\tPID\tDETAIL")
	for _, e := range entries {
		pid := "-"
		if e.PID != 0 {
			pid = fmt.Sprintf("%d", e.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Event, e.Status, pid, orDash(e.Detail))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func pidColumn(b *models.BackendConfig) string {
	if b.PID == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", b.PID)
}
