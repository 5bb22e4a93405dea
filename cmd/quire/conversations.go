package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quirehq/quire/internal/config"
	"github.com/quirehq/quire/internal/llm"
	"github.com/quirehq/quire/internal/storage"
)

const waitPollInterval = time.Second

// userInput builds the message fields of a start or send request from
// --message or --audio-file.
func userInput(cmd *cobra.Command) (map[string]any, error) {
	message, _ := cmd.Flags().GetString("message")
	audioPath, _ := cmd.Flags().GetString("audio-file")
	body := map[string]any{}
	switch {
	case audioPath != "":
		data, err := os.ReadFile(audioPath)
		if err != nil {
			return nil, fmt.Errorf("reading audio file: %w", err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(audioPath))
		if mimeType == "" {
			mimeType = "audio/mpeg"
		}
		body["audio"] = map[string]any{"mime_type": mimeType, "data": data}
	case strings.TrimSpace(message) != "":
		body["message"] = message
	default:
		return nil, errors.New("one of --message or --audio-file is required")
	}
	return body, nil
}

// waitForConversation polls until the conversation leaves Processing.
func waitForConversation(ctx context.Context, client *apiClient, id string) (storage.Conversation, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		var c storage.Conversation
		if err := client.call(ctx, "GET", "/conversations/"+url.PathEscape(id), nil, &c); err != nil {
			return c, err
		}
		if c.Status != storage.ConversationProcessing {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return c, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printConversation(c storage.Conversation) {
	fmt.Printf("%s  %s  [%s, %s]\n", colorize(colorCyan, c.ID), colorize(colorBold, c.Title), c.AssistantKind, c.Status)
	for _, m := range c.Messages {
		switch m := m.(type) {
		case llm.UserMessage:
			fmt.Printf("\n%s %s\n", colorize(colorBold, "you:"), m.Content)
		case llm.ContentAssistantMessage:
			fmt.Printf("\n%s %s\n", colorize(colorBold, "assistant:"), m.Content)
		case llm.ToolCallAssistantMessage:
			for _, tc := range m.ToolCalls {
				fmt.Printf("  %s %s %s\n", colorize(colorCyan, "→"), tc.Name, truncate(string(tc.Arguments), 80))
			}
		case llm.ToolMessage:
			for _, r := range m.Results {
				if r.Success {
					fmt.Printf("  %s %s\n", colorize(colorGreen, "✓"), r.Name)
				} else {
					fmt.Printf("  %s %s: %v\n", colorize(colorRed, "✗"), r.Name, r.Error)
				}
			}
		}
	}
	if c.Error != nil {
		fmt.Println()
		printError("%v", c.Error)
	}
}

// finish prints c, waiting for processing to end when --wait is set.
func finish(cmd *cobra.Command, client *apiClient, c storage.Conversation) error {
	if wait, _ := cmd.Flags().GetBool("wait"); wait {
		printStep("Waiting for the assistant...")
		var err error
		if c, err = waitForConversation(cmd.Context(), client, c.ID); err != nil {
			return err
		}
		printConversation(c)
		return nil
	}
	printSuccess("Conversation %s is %s", c.ID, c.Status)
	return nil
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conversation", "conv"},
	Short:   "Talk to the assistants",
}

var conversationsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a conversation",
	Long: `Start a conversation with an assistant.

Examples:
  quire conversations start --message "Add Ada Lovelace to People" --wait
  quire conversations start --kind reader --audio-file question.m4a`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := userInput(cmd)
		if err != nil {
			return err
		}
		body["assistant_kind"], _ = cmd.Flags().GetString("kind")
		if title, _ := cmd.Flags().GetString("title"); title != "" {
			body["title"] = title
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var c storage.Conversation
		if err := client.call(cmd.Context(), "POST", "/conversations", body, &c); err != nil {
			return err
		}
		return finish(cmd, client, c)
	},
}

var conversationsSendCmd = &cobra.Command{
	Use:   "send <id>",
	Short: "Send a message to an idle conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := userInput(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var c storage.Conversation
		if err := client.call(cmd.Context(), "POST", "/conversations/"+url.PathEscape(args[0])+"/messages", body, &c); err != nil {
			return err
		}
		return finish(cmd, client, c)
	},
}

var conversationsRecoverCmd = &cobra.Command{
	Use:   "recover <id>",
	Short: "Retry a failed or stuck conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var c storage.Conversation
		if err := client.call(cmd.Context(), "POST", "/conversations/"+url.PathEscape(args[0])+"/recover", nil, &c); err != nil {
			return err
		}
		return finish(cmd, client, c)
	},
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var list []storage.Conversation
		if err := client.call(cmd.Context(), "GET", fmt.Sprintf("/conversations?limit=%d", limit), nil, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range list {
			fmt.Printf("%s  %s  %-10s  %s\n",
				colorize(colorCyan, shortID(c.ID)),
				c.UpdatedAt.Format("2006-01-02 15:04"),
				c.Status,
				truncate(c.Title, 60),
			)
		}
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var c storage.Conversation
		if err := client.call(cmd.Context(), "GET", "/conversations/"+url.PathEscape(args[0]), nil, &c); err != nil {
			return err
		}
		printConversation(c)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{conversationsStartCmd, conversationsSendCmd} {
		c.Flags().String("message", "", "message text")
		c.Flags().String("audio-file", "", "voice message to transcribe")
	}
	for _, c := range []*cobra.Command{conversationsStartCmd, conversationsSendCmd, conversationsRecoverCmd} {
		c.Flags().Bool("wait", false, "wait for the assistant to finish and print the conversation")
	}
	conversationsStartCmd.Flags().String("kind", "editor", "assistant persona (editor or reader)")
	conversationsStartCmd.Flags().String("title", "", "conversation title")
	conversationsListCmd.Flags().Int("limit", 20, "maximum number of conversations to list")
	conversationsCmd.AddCommand(conversationsStartCmd, conversationsSendCmd, conversationsRecoverCmd,
		conversationsListCmd, conversationsShowCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and run background jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List background jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		q.Set("limit", fmt.Sprint(limit))
		var list []storage.BackgroundJob
		if err := client.call(cmd.Context(), "GET", "/jobs?"+q.Encode(), nil, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range list {
			line := fmt.Sprintf("%s  %s  %-10s  %s", colorize(colorCyan, shortID(j.ID)), j.EnqueuedAt.Format("2006-01-02 15:04:05"), j.Status, j.Name)
			if j.Error != nil {
				line += "  " + colorize(colorRed, j.Error.Name)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a background job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var j storage.BackgroundJob
		if err := client.call(cmd.Context(), "GET", "/jobs/"+url.PathEscape(args[0]), nil, &j); err != nil {
			return err
		}
		return printJSON(j)
	},
}

var jobsDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run every enqueued job in this process, then exit",
	Long: `Run every enqueued job in this process, then exit.

Opens the database directly; use it when no server is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)
		rt, err := openRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := rt.scheduler.Drain(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Ran %d jobs", n)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (enqueued, processing, succeeded, failed)")
	jobsListCmd.Flags().Int("limit", 50, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsDrainCmd)
}
