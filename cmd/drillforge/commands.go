package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"drillforge/internal/config"
)

// --- enqueue ---

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a generation job",
	Long: `Queue a generation job.

Examples:
  drillforge enqueue --prompt "a calculus limit exercise" --count 5
  drillforge enqueue --prompt "one short riddle"
  drillforge enqueue --prompt "..." --count 3 --priority 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		count, _ := cmd.Flags().GetInt("count")
		priority, _ := cmd.Flags().GetInt("priority")
		id, _ := cmd.Flags().GetString("id")

		if prompt == "" {
			return fmt.Errorf("--prompt is required")
		}

		req := map[string]any{
			"prompt":   prompt,
			"count":    count,
			"priority": priority,
		}
		if count == 1 {
			req["kind"] = "single_item"
		}
		if id != "" {
			req["id"] = id
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued job %s", result["id"])
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("prompt", "", "generation prompt")
	enqueueCmd.Flags().Int("count", 1, "number of unique items to generate")
	enqueueCmd.Flags().Int("priority", 0, "job priority (higher runs first)")
	enqueueCmd.Flags().String("id", "", "explicit job id (re-submitting the same id is a no-op)")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect queued and finished jobs",
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a single job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}

		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/jobs?limit=%d", limit)
		if state != "" {
			path += "&state=" + url.QueryEscape(state)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var jobs []struct {
			ID       string `json:"id"`
			Kind     string `json:"kind"`
			State    string `json:"state"`
			Progress int    `json:"progress"`
			Attempts int    `json:"attempts_made"`
		}
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		for _, j := range jobs {
			fmt.Printf("%s  %-12s %-10s %3d%%  attempts=%d\n",
				colorize(colorCyan, j.ID[:8]),
				j.Kind,
				j.State,
				j.Progress,
				j.Attempts,
			)
		}
		return nil
	},
}

func init() {
	jobListCmd.Flags().String("state", "", "filter by state (waiting, active, completed, failed)")
	jobListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobListCmd)
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the corpus with existing content",
	Long: `Seed the corpus with existing content.

Examples:
  drillforge seed --text "2+2=4 is a trivial exercise"
  drillforge seed --file ./exercises.txt
  drillforge seed --file ./workbook.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}

		req := map[string]any{
			"source": "cli",
		}

		switch {
		case text != "":
			req["type"] = "text"
			req["content"] = text
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["source"] = file
			if strings.EqualFold(filepath.Ext(file), ".pdf") {
				req["type"] = "pdf"
				req["content"] = base64.StdEncoding.EncodeToString(data)
			} else {
				req["type"] = "text"
				req["content"] = string(data)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Seeding corpus...")
		resp, err := client.post(cmd.Context(), "/corpus/seed", req)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Imported %d chunks", result["imported"])
		return nil
	},
}

func init() {
	seedCmd.Flags().String("text", "", "text content to seed")
	seedCmd.Flags().String("file", "", "file path to seed (.pdf or plain text)")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the corpus",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/corpus/search?q=%s&limit=%d", url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		tier := resp.Header.Get("X-Cache-Tier")

		var results []struct {
			ID    string  `json:"id"`
			Text  string  `json:"text"`
			Score float32 `json:"score"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		if tier != "" && tier != "origin" {
			printStep("Served from %s cache", tier)
		}
		for i, r := range results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the semantic query cache",
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate [pattern]",
	Short: "Invalidate cached query results",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := ""
		if len(args) > 0 {
			pattern = args[0]
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/cache"
		if pattern != "" {
			path += "?pattern=" + url.QueryEscape(pattern)
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Invalidated %d cache entries", result["removed"])
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheInvalidateCmd)
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
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
