package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/sqlagent/internal/agent"
	"github.com/kalambet/sqlagent/internal/api"
	"github.com/kalambet/sqlagent/internal/config"
	"github.com/kalambet/sqlagent/internal/storage"
	"github.com/kalambet/sqlagent/internal/tools"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <goal> [table | max-iterations] [max-iterations] [system-prompt]",
	Short: "Run the agent on a goal",
	Long: `Run the agent on a goal.

Without a table the model calls tools until it answers or types DONE, and the
answer is printed. With a table the collected tool output is extracted into
rows of that table and embedding columns are filled.

A numeric second argument is the iteration limit and selects free-form mode.`,
	Args: cobra.RangeArgs(1, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := goalFromCommand(cmd, args)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if remote, _ := cmd.Flags().GetBool("remote"); remote {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			out, err := runRemote(ctx, client, g)
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), out)
			return nil
		}

		a, err := openApp(ctx, appOptions{connectTools: true})
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("running %s mode, goal: %s", g.Mode(), g.Text)
		res, rec, err := api.Execute(ctx, a, a.store, g, a.logger)
		if err != nil {
			return fmt.Errorf("run %s: %w", res.RunID, err)
		}
		printRun(cmd.OutOrStdout(), runSummary{
			ID:         rec.ID,
			Mode:       rec.Mode,
			Table:      rec.TableName,
			StopReason: rec.StopReason,
			Result:     rec.Result,
			Rows:       rec.Rows,
			Embedded:   res.Embedded,
			Iterations: rec.Iterations,
			ToolCalls:  rec.ToolCalls,
		})
		return nil
	},
}

// goalFromCommand reads the positional arguments and applies flag
// overrides.
func goalFromCommand(cmd *cobra.Command, args []string) (agent.Goal, error) {
	g, err := agent.ParseArgs(args)
	if err != nil {
		return agent.Goal{}, err
	}
	if cmd.Flags().Changed("table") {
		g.Table, _ = cmd.Flags().GetString("table")
	}
	if cmd.Flags().Changed("max-iterations") {
		n, _ := cmd.Flags().GetInt("max-iterations")
		if n < 1 {
			return agent.Goal{}, fmt.Errorf("%w: --max-iterations must be at least 1", agent.ErrConfiguration)
		}
		g.MaxIterations = n
	}
	if cmd.Flags().Changed("system-prompt") {
		g.SystemPrompt, _ = cmd.Flags().GetString("system-prompt")
	}
	return g, nil
}

// runSummary is the subset of a run shown to the user; it matches the
// JSON returned by POST /runs.
type runSummary struct {
	ID         string `json:"id"`
	Mode       string `json:"mode"`
	Table      string `json:"table"`
	StopReason string `json:"stop_reason"`
	Result     string `json:"result"`
	Rows       int    `json:"rows"`
	Embedded   int    `json:"embedded"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
}

func runRemote(ctx context.Context, c *apiClient, g agent.Goal) (runSummary, error) {
	resp, err := c.post(ctx, "/runs", api.RunRequest{
		Goal:          g.Text,
		Table:         g.Table,
		MaxIterations: g.MaxIterations,
		SystemPrompt:  g.SystemPrompt,
	})
	if err != nil {
		return runSummary{}, err
	}
	var out runSummary
	if err := decodeJSON(resp, &out); err != nil {
		return runSummary{}, err
	}
	return out, nil
}

func printRun(w io.Writer, r runSummary) {
	printStatus("Run", "%s", r.ID)
	printStatus("Stopped", "%s after %d iterations, %d tool calls", r.StopReason, r.Iterations, r.ToolCalls)
	if r.Mode == string(agent.ModeTable) {
		printSuccess("Inserted %d rows into %s", r.Rows, r.Table)
		if r.Embedded > 0 {
			printStatus("Embedded", "%d rows", r.Embedded)
		}
	}
	fmt.Fprintln(w, r.Result)
}

func init() {
	runCmd.Flags().String("table", "", "target table; extracted rows are inserted into it")
	runCmd.Flags().Int("max-iterations", 0, "maximum model turns (default from agent.max_iterations)")
	runCmd.Flags().String("system-prompt", "", "replace the built-in task prompt")
	runCmd.Flags().Bool("remote", false, "run on the sqlagent server instead of locally")
}

// --- tools ---

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools of the configured MCP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		cat, err := tools.Connect(ctx, tools.Config{
			Command:       cfg.MCP.Command,
			Args:          cfg.MCP.Args,
			URL:           cfg.MCP.URL,
			ClientName:    "sqlagent",
			ClientVersion: version,
		}, newLogger(cfg.Log.Level, os.Stderr))
		if err != nil {
			return fmt.Errorf("connecting to tool server: %w", err)
		}
		defer cat.Close()

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			catalog, err := cat.ListTools(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimPrefix(catalog, tools.CatalogHeader))
			return nil
		}

		list, err := cat.Tools(ctx)
		if err != nil {
			return err
		}
		srv := cat.Server()
		printStatus("Server", "%s %s", srv.Name, srv.Version)
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tools found.")
			return nil
		}
		for _, t := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", colorize(colorCyan, t.Name), t.Description)
		}
		return nil
	},
}

func init() {
	toolsCmd.Flags().Bool("json", false, "print the catalog the model sees")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <table> <column> <query>",
	Short: "Similarity search over an indexed embedding column",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return searchRemote(cmd.Context(), client, cmd.OutOrStdout(), args[0], args[1], strings.Join(args[2:], " "), limit)
	},
}

func searchRemote(ctx context.Context, c *apiClient, w io.Writer, table, column, query string, limit int) error {
	q := url.Values{}
	q.Set("table", table)
	q.Set("column", column)
	q.Set("q", query)
	q.Set("limit", fmt.Sprint(limit))

	resp, err := c.get(ctx, "/search?"+q.Encode())
	if err != nil {
		return err
	}
	var results []struct {
		RowID  int64          `json:"row_id"`
		Score  float32        `json:"score"`
		Values map[string]any `json:"values"`
	}
	if err := decodeJSON(resp, &results); err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(w, "\n%s [score: %.3f, rowid: %d]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score, r.RowID)
		b, _ := json.Marshal(r.Values)
		fmt.Fprintf(w, "  %s\n", b)
	}
	return nil
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- indexes ---

var indexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "List the vector indexes registered by table runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listIndexes(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func listIndexes(ctx context.Context, c *apiClient, w io.Writer) error {
	resp, err := c.get(ctx, "/indexes")
	if err != nil {
		return err
	}
	var indexes []struct {
		Table       string `json:"table"`
		Column      string `json:"column"`
		Dimension   int    `json:"dimension"`
		ElementType string `json:"element_type"`
		Distance    string `json:"distance"`
	}
	if err := decodeJSON(resp, &indexes); err != nil {
		return err
	}

	if len(indexes) == 0 {
		fmt.Fprintln(w, "No indexes found.")
		return nil
	}
	for _, x := range indexes {
		fmt.Fprintf(w, "%s  dim=%d  %s/%s\n", colorize(colorCyan, x.Table+"."+x.Column), x.Dimension, x.ElementType, x.Distance)
	}
	return nil
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Run a read-only SQL query against the agent database",
	Long: `Run a read-only SQL query against the agent database and print the rows
tab-separated with a header line. Blob columns are summarized by size.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		return runQuery(cmd.Context(), store, cmd.OutOrStdout(), strings.Join(args, " "))
	},
}

type queryer interface {
	Query(ctx context.Context, query string, args ...any) ([]string, [][]any, error)
}

// readOnlyPrefixes are the statement kinds query accepts.
var readOnlyPrefixes = []string{"select", "with", "pragma", "explain"}

func runQuery(ctx context.Context, q queryer, w io.Writer, stmt string) error {
	stmt = strings.TrimSpace(stmt)
	lower := strings.ToLower(stmt)
	readOnly := false
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(lower, p) {
			readOnly = true
			break
		}
	}
	if !readOnly {
		return fmt.Errorf("only SELECT, WITH, PRAGMA and EXPLAIN statements are allowed")
	}

	cols, rows, err := q.Query(ctx, stmt)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	fmt.Fprintln(w, colorize(colorBold, strings.Join(cols, "\t")))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = fmt.Sprint(v)
			}
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	printStatus("Rows", "%d", len(rows))
	return nil
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run log",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listRuns(cmd.Context(), client, cmd.OutOrStdout(), limit)
	},
}

func listRuns(ctx context.Context, c *apiClient, w io.Writer, limit int) error {
	resp, err := c.get(ctx, fmt.Sprintf("/runs?limit=%d", limit))
	if err != nil {
		return err
	}
	var runs []struct {
		ID         string `json:"id"`
		CreatedAt  string `json:"created_at"`
		Goal       string `json:"goal"`
		Mode       string `json:"mode"`
		StopReason string `json:"stop_reason"`
		Rows       int    `json:"rows"`
		Error      string `json:"error"`
	}
	if err := decodeJSON(resp, &runs); err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return nil
	}
	for _, r := range runs {
		goal := r.Goal
		if len(goal) > 60 {
			goal = goal[:60] + "..."
		}
		status := r.StopReason
		if r.Error != "" {
			status = colorize(colorRed, "failed")
		}
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s  %s  %-8s  %-16s  %3d  %s\n", colorize(colorCyan, id), r.CreatedAt, r.Mode, status, r.Rows, goal)
	}
	return nil
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var run any
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStatus("File", "%s", config.FilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
