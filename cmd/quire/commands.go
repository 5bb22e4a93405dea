package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quirehq/quire/internal/config"
	"github.com/quirehq/quire/internal/result"
	"github.com/quirehq/quire/internal/storage"
)

type collectionSummary struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Fields        []string `json:"fields"`
	DocumentCount int      `json:"document_count"`
}

type documentView struct {
	ID           string                  `json:"id"`
	CollectionID string                  `json:"collection_id"`
	Latest       storage.DocumentVersion `json:"latest"`
}

// readFileFlag returns the contents of the file named by flag, or "" when
// the flag is unset. "-" reads stdin.
func readFileFlag(cmd *cobra.Command, flag string) (string, error) {
	path, _ := cmd.Flags().GetString(flag)
	if path == "" {
		return "", nil
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading --%s: %w", flag, err)
	}
	return string(data), nil
}

// readContent returns document content from --json or --file.
func readContent(cmd *cobra.Command) (json.RawMessage, error) {
	raw, _ := cmd.Flags().GetString("json")
	if raw == "" {
		var err error
		if raw, err = readFileFlag(cmd, "file"); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("one of --json or --file is required")
	}
	if !json.Valid([]byte(raw)) {
		return nil, errors.New("document content is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// --- collections ---

var collectionsCmd = &cobra.Command{
	Use:     "collections",
	Aliases: []string{"collection", "col"},
	Short:   "Manage collections",
}

var collectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var list []collectionSummary
		if err := client.call(cmd.Context(), "GET", "/collections", nil, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No collections found.")
			return nil
		}
		for _, c := range list {
			fmt.Printf("%s  %s  %d docs  [%s]\n",
				colorize(colorCyan, c.ID),
				colorize(colorBold, c.Name),
				c.DocumentCount,
				strings.Join(c.Fields, ", "),
			)
		}
		return nil
	},
}

var collectionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a collection with its schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var c json.RawMessage
		if err := client.call(cmd.Context(), "GET", "/collections/"+url.PathEscape(args[0]), nil, &c); err != nil {
			return err
		}
		return printJSON(c)
	},
}

var collectionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a collection from a CUE schema",
	Long: `Create a collection from a CUE schema.

The optional key script is a JavaScript module whose default export maps a
document to its blocking keys; documents sharing a key are duplicates.

Examples:
  quire collections create --name People --schema-file people.cue
  quire collections create --name People --schema-file people.cue --key-script-file people.js`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		if name == "" {
			return errors.New("--name is required")
		}
		schema, err := readFileFlag(cmd, "schema-file")
		if err != nil {
			return err
		}
		if schema == "" {
			return errors.New("--schema-file is required")
		}
		keyScript, err := readFileFlag(cmd, "key-script-file")
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var c collectionSummary
		err = client.call(cmd.Context(), "POST", "/collections", map[string]any{
			"name":        name,
			"description": description,
			"schema":      schema,
			"key_script":  keyScript,
		}, &c)
		if err != nil {
			return err
		}
		printSuccess("Created collection %s (%s)", c.Name, c.ID)
		return nil
	},
}

var collectionsUpdateSchemaCmd = &cobra.Command{
	Use:   "update-schema <id>",
	Short: "Replace a collection's schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := readFileFlag(cmd, "schema-file")
		if err != nil {
			return err
		}
		if schema == "" {
			return errors.New("--schema-file is required")
		}
		body := map[string]any{"schema": schema}
		if cmd.Flags().Changed("key-script-file") {
			keyScript, err := readFileFlag(cmd, "key-script-file")
			if err != nil {
				return err
			}
			body["key_script"] = keyScript
		}
		if remove, _ := cmd.Flags().GetBool("remove-key-script"); remove {
			body["key_script"] = ""
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var c collectionSummary
		if err := client.call(cmd.Context(), "PUT", "/collections/"+url.PathEscape(args[0])+"/schema", body, &c); err != nil {
			return err
		}
		printSuccess("Updated schema of %s", c.Name)
		return nil
	},
}

var collectionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an empty collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), "DELETE", "/collections/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		printSuccess("Deleted collection %s", args[0])
		return nil
	},
}

func init() {
	collectionsCreateCmd.Flags().String("name", "", "collection name")
	collectionsCreateCmd.Flags().String("description", "", "what the collection holds")
	collectionsCreateCmd.Flags().String("schema-file", "", "CUE schema file (- for stdin)")
	collectionsCreateCmd.Flags().String("key-script-file", "", "blocking-key script file")
	collectionsUpdateSchemaCmd.Flags().String("schema-file", "", "CUE schema file (- for stdin)")
	collectionsUpdateSchemaCmd.Flags().String("key-script-file", "", "replacement blocking-key script file")
	collectionsUpdateSchemaCmd.Flags().Bool("remove-key-script", false, "drop the blocking-key script")
	collectionsCmd.AddCommand(collectionsListCmd, collectionsShowCmd, collectionsCreateCmd, collectionsUpdateSchemaCmd, collectionsDeleteCmd)
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:     "documents",
	Aliases: []string{"document", "doc"},
	Short:   "Manage documents in a collection",
}

func documentsPath(collectionID string) string {
	return "/collections/" + url.PathEscape(collectionID) + "/documents"
}

var documentsListCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List the latest version of every document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var versions []storage.DocumentVersion
		if err := client.call(cmd.Context(), "GET", documentsPath(args[0]), nil, &versions); err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, v := range versions {
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, v.DocumentID),
				v.CreatedAt.Format("2006-01-02 15:04"),
				truncate(string(v.Content), 100),
			)
		}
		return nil
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <collection> <document>",
	Short: "Show a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var d json.RawMessage
		if err := client.call(cmd.Context(), "GET", documentsPath(args[0])+"/"+url.PathEscape(args[1]), nil, &d); err != nil {
			return err
		}
		return printJSON(d)
	},
}

var documentsCreateCmd = &cobra.Command{
	Use:   "create <collection>",
	Short: "Create a document",
	Long: `Create a document.

Examples:
  quire documents create <collection> --json '{"name":"Ada","email":"ada@example.com"}'
  quire documents create <collection> --file ada.json --skip-duplicate-check`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readContent(cmd)
		if err != nil {
			return err
		}
		skip, _ := cmd.Flags().GetBool("skip-duplicate-check")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var d documentView
		err = client.call(cmd.Context(), "POST", documentsPath(args[0]), map[string]any{
			"content":              content,
			"skip_duplicate_check": skip,
		}, &d)
		if result.Is(err, "DuplicateDocumentDetected") {
			printWarning("This looks like a duplicate; rerun with --skip-duplicate-check to store it anyway.")
		}
		if err != nil {
			return err
		}
		printSuccess("Created document %s (version %s)", d.ID, shortID(d.Latest.ID))
		return nil
	},
}

var documentsImportCmd = &cobra.Command{
	Use:   "import <collection>",
	Short: "Create many documents from a JSON array, all or nothing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readFileFlag(cmd, "file")
		if err != nil {
			return err
		}
		var docs []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &docs); err != nil {
			return fmt.Errorf("--file must hold a JSON array of documents: %w", err)
		}
		skip, _ := cmd.Flags().GetBool("skip-duplicate-check")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var created []documentView
		err = client.call(cmd.Context(), "POST", documentsPath(args[0])+"/batch", map[string]any{
			"documents":            docs,
			"skip_duplicate_check": skip,
		}, &created)
		if err != nil {
			return err
		}
		printSuccess("Imported %d documents", len(created))
		return nil
	},
}

var documentsUpdateCmd = &cobra.Command{
	Use:   "update <collection> <document>",
	Short: "Write a new version of a document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readContent(cmd)
		if err != nil {
			return err
		}
		latest, _ := cmd.Flags().GetString("version")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := documentsPath(args[0]) + "/" + url.PathEscape(args[1])
		if latest == "" {
			var d documentView
			if err := client.call(cmd.Context(), "GET", path, nil, &d); err != nil {
				return err
			}
			latest = d.Latest.ID
		}
		var v storage.DocumentVersion
		err = client.call(cmd.Context(), "POST", path+"/versions", map[string]any{
			"latest_version_id": latest,
			"content":           content,
		}, &v)
		if err != nil {
			return err
		}
		printSuccess("Created version %s", v.ID)
		return nil
	},
}

var documentsVersionsCmd = &cobra.Command{
	Use:   "versions <collection> <document>",
	Short: "Show a document's version history, newest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var versions []storage.DocumentVersion
		path := documentsPath(args[0]) + "/" + url.PathEscape(args[1]) + "/versions"
		if err := client.call(cmd.Context(), "GET", path, nil, &versions); err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Printf("%s  %s  %-9s  %s\n",
				colorize(colorCyan, v.ID),
				v.CreatedAt.Format("2006-01-02 15:04"),
				v.CreatedBy,
				truncate(string(v.Content), 80),
			)
		}
		return nil
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <collection> <document>",
	Short: "Delete a document and its history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), "DELETE", documentsPath(args[0])+"/"+url.PathEscape(args[1]), nil, nil); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[1])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{documentsCreateCmd, documentsUpdateCmd} {
		c.Flags().String("json", "", "document content as JSON")
		c.Flags().String("file", "", "file holding the document content (- for stdin)")
	}
	documentsCreateCmd.Flags().Bool("skip-duplicate-check", false, "store the document even if it looks like a duplicate")
	documentsImportCmd.Flags().String("file", "", "file holding a JSON array of documents (- for stdin)")
	documentsImportCmd.Flags().Bool("skip-duplicate-check", false, "skip duplicate detection against stored documents")
	documentsUpdateCmd.Flags().String("version", "", "version the update is based on (default: current latest)")
	documentsCmd.AddCommand(documentsListCmd, documentsShowCmd, documentsCreateCmd, documentsImportCmd,
		documentsUpdateCmd, documentsVersionsCmd, documentsDeleteCmd)
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
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
