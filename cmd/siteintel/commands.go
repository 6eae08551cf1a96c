package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/siteintel/internal/api"
	"github.com/kalambet/siteintel/internal/attachment"
	"github.com/kalambet/siteintel/internal/config"
	"github.com/kalambet/siteintel/internal/pipeline"
	"github.com/kalambet/siteintel/internal/storage"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message and print the assistant's reply",
	Long: `Send a message in a deal session and print the reply.

Examples:
  siteintel chat "Is 412 Elm St a good multifamily buy at a 6% cap rate?"
  siteintel chat --session 3f2a... --attach ./rentroll.pdf "Summarise the rent roll"
  siteintel chat --data '{"median_rent": 1850}' "How does rent compare to the submarket?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		data, _ := cmd.Flags().GetString("data")
		model, _ := cmd.Flags().GetString("model")
		files, _ := cmd.Flags().GetStringSlice("attach")

		req := api.ChatRequest{
			SessionID: session,
			Message:   strings.Join(args, " "),
			Model:     model,
		}
		if data != "" {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data must be valid JSON")
			}
			req.DataContext = json.RawMessage(data)
		}
		for _, f := range files {
			up, err := readAttachment(f)
			if err != nil {
				return err
			}
			req.Attachments = append(req.Attachments, up)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runChat(cmd.Context(), client, os.Stdout, req)
	},
}

func init() {
	chatCmd.Flags().String("session", "", "session to continue (a new one is started when empty)")
	chatCmd.Flags().String("data", "", "JSON object of live market data to include")
	chatCmd.Flags().String("model", "", "model override")
	chatCmd.Flags().StringSlice("attach", nil, "file to attach (PDF, HTML or text); repeatable")
}

func readAttachment(path string) (attachment.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return attachment.Upload{}, fmt.Errorf("reading attachment: %w", err)
	}
	if len(data) > attachment.MaxSize {
		return attachment.Upload{}, fmt.Errorf("%s: %w", path, attachment.ErrTooLarge)
	}
	return attachment.Upload{
		FileName: filepath.Base(path),
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

func runChat(ctx context.Context, c *apiClient, w io.Writer, req api.ChatRequest) error {
	resp, err := c.post(ctx, "/v1/chat", req)
	if err != nil {
		return err
	}
	var res pipeline.Result
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}

	fmt.Fprintln(w, res.Reply.Content)
	if res.Fallback {
		printWarning("The model was unavailable; a fallback reply was stored")
	}
	if res.Decision != nil {
		printStatus("Decision", "%s (confidence %.2f)", res.Decision.DecisionType, res.Decision.Confidence)
	}
	if len(res.Topics) > 0 {
		topics := make([]string, len(res.Topics))
		for i, t := range res.Topics {
			topics[i] = t.Topic
		}
		printStatus("Topics", "%s", strings.Join(topics, ", "))
	}
	if req.SessionID == "" {
		printStatus("Session", "%s", res.SessionID)
	}
	return nil
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Show or edit long-term memory",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remembered facts",
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runMemoryList(cmd.Context(), client, os.Stdout, category)
	},
}

var memorySetCmd = &cobra.Command{
	Use:   "set <category> <key> <value>",
	Short: "Remember a fact explicitly",
	Long: `Remember a fact. The value is stored as JSON when it parses as JSON,
otherwise as a string.

Examples:
  siteintel memory set preference target_market "Austin, TX"
  siteintel memory set preference max_budget 2500000 --confidence 0.9`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		confidence, _ := cmd.Flags().GetFloat64("confidence")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runMemorySet(cmd.Context(), client, args[0], args[1], args[2], confidence)
	},
}

func init() {
	memoryListCmd.Flags().String("category", "", "only show this category")
	memorySetCmd.Flags().Float64("confidence", 1.0, "confidence in [0,1]")
	memoryCmd.AddCommand(memoryListCmd, memorySetCmd)
}

func runMemoryList(ctx context.Context, c *apiClient, w io.Writer, category string) error {
	path := "/v1/memory"
	if category != "" {
		path += "?category=" + url.QueryEscape(category)
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	var body struct {
		Memory []storage.LongTermMemory `json:"memory"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return err
	}
	if len(body.Memory) == 0 {
		fmt.Fprintln(w, "Nothing remembered yet.")
		return nil
	}
	for _, m := range body.Memory {
		fmt.Fprintf(w, "%s  %.2f  %s\n",
			colorize(colorCyan, m.Category+"/"+m.Key),
			m.Confidence,
			shorten(string(m.Value), 80),
		)
	}
	return nil
}

func runMemorySet(ctx context.Context, c *apiClient, category, key, value string, confidence float64) error {
	raw := json.RawMessage(value)
	if !json.Valid(raw) {
		quoted, _ := json.Marshal(value)
		raw = quoted
	}
	path := "/v1/memory/" + url.PathEscape(category) + "/" + url.PathEscape(key)
	resp, err := c.put(ctx, path, api.MemoryRequest{Value: raw, Confidence: confidence})
	if err != nil {
		return err
	}
	var stored storage.LongTermMemory
	if err := decodeJSON(resp, &stored); err != nil {
		return err
	}
	printSuccess("Remembered %s/%s (confidence %.2f)", stored.Category, stored.Key, stored.Confidence)
	return nil
}

// --- decisions ---

var decisionsCmd = &cobra.Command{
	Use:   "decisions <session-id>",
	Short: "List recent decisions recorded in a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runDecisions(cmd.Context(), client, os.Stdout, args[0], limit, asJSON)
	},
}

func init() {
	decisionsCmd.Flags().Int("limit", 10, "maximum number of decisions")
	decisionsCmd.Flags().Bool("json", false, "print raw JSON")
}

func runDecisions(ctx context.Context, c *apiClient, w io.Writer, sessionID string, limit int, asJSON bool) error {
	path := fmt.Sprintf("/v1/sessions/%s/decisions?limit=%d", url.PathEscape(sessionID), limit)
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	var body struct {
		Decisions []storage.Decision `json:"decisions"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, body.Decisions)
	}
	if len(body.Decisions) == 0 {
		fmt.Fprintln(w, "No decisions recorded.")
		return nil
	}
	for _, d := range body.Decisions {
		impact := ""
		if d.ImpactValue != nil {
			impact = fmt.Sprintf("  $%.0f", *d.ImpactValue)
		}
		fmt.Fprintf(w, "%s  %s  %.2f%s\n  %s\n",
			d.CreatedAt.Format("2006-01-02 15:04"),
			colorize(colorBold, d.DecisionType),
			d.Confidence,
			impact,
			shorten(d.Reasoning, 160),
		)
	}
	return nil
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage session context",
}

var contextAddCmd = &cobra.Command{
	Use:   "add <session-id> <json>",
	Short: "Attach a fact to a session",
	Long: `Attach a fact to a session.

Examples:
  siteintel context add 3f2a... --type property '{"address":"412 Elm St","units":24}'
  siteintel context add 3f2a... --type budget --ttl 3600 '{"max":2500000}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		entity, _ := cmd.Flags().GetString("entity")
		ttl, _ := cmd.Flags().GetInt("ttl")
		if typ == "" {
			return fmt.Errorf("--type is required")
		}
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("context must be valid JSON")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runContextAdd(cmd.Context(), client, args[0], api.SessionContextRequest{
			Type:       typ,
			EntityID:   entity,
			Context:    json.RawMessage(args[1]),
			TTLSeconds: ttl,
		})
	},
}

func init() {
	contextAddCmd.Flags().String("type", "", "context type, e.g. property, budget, market")
	contextAddCmd.Flags().String("entity", "", "entity the fact refers to")
	contextAddCmd.Flags().Int("ttl", 0, "expire after this many seconds (0 keeps it)")
	contextCmd.AddCommand(contextAddCmd)
}

func runContextAdd(ctx context.Context, c *apiClient, sessionID string, req api.SessionContextRequest) error {
	resp, err := c.post(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/context", req)
	if err != nil {
		return err
	}
	var entry storage.SessionContext
	if err := decodeJSON(resp, &entry); err != nil {
		return err
	}
	printSuccess("Added %s context %s", entry.Type, entry.ID)
	return nil
}

// --- prompts ---

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage saved system and project prompts",
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runPromptsList(cmd.Context(), client, os.Stdout, typ)
	},
}

var promptsAddCmd = &cobra.Command{
	Use:   "add <name> <content>",
	Short: "Save a prompt used when a chat carries none",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetInt("priority")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runPromptsAdd(cmd.Context(), client, api.PromptRequest{
			Name:     args[0],
			Type:     typ,
			Content:  args[1],
			Priority: priority,
		})
	},
}

func init() {
	promptsListCmd.Flags().String("type", "", "system or project (default: both)")
	promptsAddCmd.Flags().String("type", storage.PromptSystem, "system or project")
	promptsAddCmd.Flags().Int("priority", 0, "higher priorities are placed first")
	promptsCmd.AddCommand(promptsListCmd, promptsAddCmd)
}

func runPromptsList(ctx context.Context, c *apiClient, w io.Writer, typ string) error {
	path := "/v1/prompts"
	if typ != "" {
		path += "?type=" + url.QueryEscape(typ)
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	var body struct {
		Prompts []storage.Prompt `json:"prompts"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return err
	}
	if len(body.Prompts) == 0 {
		fmt.Fprintln(w, "No saved prompts.")
		return nil
	}
	for _, p := range body.Prompts {
		fmt.Fprintf(w, "[%s] %s (priority %d)\n  %s\n", p.Type, colorize(colorBold, p.Name), p.Priority, shorten(p.Content, 120))
	}
	return nil
}

func runPromptsAdd(ctx context.Context, c *apiClient, req api.PromptRequest) error {
	resp, err := c.post(ctx, "/v1/prompts", req)
	if err != nil {
		return err
	}
	var p storage.Prompt
	if err := decodeJSON(resp, &p); err != nil {
		return err
	}
	printSuccess("Saved %s prompt %q", p.Type, p.Name)
	return nil
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
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}
		fmt.Printf("  %s\n", colorize(colorCyan, config.ConfigFilePath()))
		for _, k := range config.ShowAll(cfg) {
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
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		if strings.HasSuffix(key, "_api_key") || key == "server.api_token" {
			printSuccess("Stored %s in the secrets file", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
