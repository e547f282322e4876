package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/tether/internal/api"
	"github.com/kalambet/tether/internal/capture"
	"github.com/kalambet/tether/internal/config"
	"github.com/kalambet/tether/internal/queue"
)

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture <text>",
	Short: "Capture a note about someone",
	Long: `Capture a note about someone. Online, the note is previewed and waits for
"tether preview confirm". Offline, or while another preview is open, it is queued.

Examples:
  tether capture "Coffee with Priya, she just moved to Porto"
  tether capture Sam starts at the new job on Monday`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runCapture(cmd.Context(), client, os.Stdout, strings.Join(args, " "))
	},
}

func runCapture(ctx context.Context, c *apiClient, w io.Writer, text string) error {
	var res capture.CaptureResult
	if err := c.postJSON(ctx, "/capture", api.CaptureRequest{Text: text}, &res); err != nil {
		return err
	}
	if res.Queued() {
		printWarning("%s", res.Notice)
		printSuccess("Queued note %s", res.Note.ID)
		return nil
	}
	renderPreview(w, res.Preview)
	return nil
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queued notes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued notes, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runQueueList(cmd.Context(), client, os.Stdout, status)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Reset a failed note, or all failed notes, to pending",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return runQueueRetry(cmd.Context(), client, id)
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Delete a queued note without processing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodDelete, "/queue/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		printSuccess("Discarded note %s", args[0])
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "filter by status (pending, processing, failed)")
	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueDiscardCmd)
}

func runQueueList(ctx context.Context, c *apiClient, w io.Writer, status string) error {
	path := "/queue"
	if status != "" {
		if _, err := queue.ParseStatus(status); err != nil {
			return err
		}
		path += "?status=" + url.QueryEscape(status)
	}
	var notes []queue.Note
	if err := c.getJSON(ctx, path, &notes); err != nil {
		return err
	}
	renderNotes(w, notes)
	return nil
}

func runQueueRetry(ctx context.Context, c *apiClient, id string) error {
	if id == "" {
		var res map[string]int
		if err := c.postJSON(ctx, "/queue/retry", nil, &res); err != nil {
			return err
		}
		printSuccess("Reset %d failed note(s) to pending", res["reset"])
		return nil
	}
	var n queue.Note
	if err := c.postJSON(ctx, "/queue/"+url.PathEscape(id)+"/retry", nil, &n); err != nil {
		return err
	}
	printSuccess("Note %s is pending again (retries so far: %d)", n.ID, n.RetryCount)
	return nil
}

// --- preview ---

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Review the active preview",
}

var previewShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active preview",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		pv, err := activePreview(cmd.Context(), client)
		if err != nil {
			return err
		}
		renderPreview(os.Stdout, pv)
		return nil
	},
}

var previewConfirmCmd = &cobra.Command{
	Use:   "confirm [preview-id]",
	Short: "Save the active preview, with optional corrections",
	Long: `Save the active preview, with optional corrections.

Examples:
  tether preview confirm
  tether preview confirm --name "Priya Shah" --attr city=Porto --tag friend
  tether preview confirm --new`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		edits, err := editsFromFlags(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runPreviewConfirm(cmd.Context(), client, firstArg(args), edits)
	},
}

var previewCancelCmd = &cobra.Command{
	Use:   "cancel [preview-id]",
	Short: "Close the active preview; a queued note goes back to the queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runPreviewClose(cmd.Context(), client, firstArg(args), "cancel")
	},
}

var previewDiscardCmd = &cobra.Command{
	Use:   "discard [preview-id]",
	Short: "Close the active preview and delete its queued note",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runPreviewClose(cmd.Context(), client, firstArg(args), "discard")
	},
}

func init() {
	f := previewConfirmCmd.Flags()
	f.String("name", "", "correct the contact name")
	f.String("contact", "", "attach to this existing contact id")
	f.Bool("new", false, "create a new contact even if one matched")
	f.String("summary", "", "replace the summary")
	f.StringArray("attr", nil, "set an attribute as key=value (repeatable, replaces extracted attributes)")
	f.StringArray("tag", nil, "set a tag (repeatable, replaces extracted tags)")
	previewConfirmCmd.MarkFlagsMutuallyExclusive("contact", "new")

	previewCmd.AddCommand(previewShowCmd, previewConfirmCmd, previewCancelCmd, previewDiscardCmd)
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func editsFromFlags(cmd *cobra.Command) (capture.Edits, error) {
	var e capture.Edits
	f := cmd.Flags()
	if f.Changed("name") {
		v, _ := f.GetString("name")
		e.ContactName = &v
	}
	if f.Changed("contact") {
		v, _ := f.GetString("contact")
		e.TargetContactID = &v
	}
	if newContact, _ := f.GetBool("new"); newContact {
		empty := ""
		e.TargetContactID = &empty
	}
	if f.Changed("summary") {
		v, _ := f.GetString("summary")
		e.Summary = &v
	}
	if f.Changed("attr") {
		pairs, _ := f.GetStringArray("attr")
		attrs, err := parseAttributes(pairs)
		if err != nil {
			return capture.Edits{}, err
		}
		e.Attributes = attrs
	}
	if f.Changed("tag") {
		e.Tags, _ = f.GetStringArray("tag")
	}
	return e, nil
}

func parseAttributes(pairs []string) (map[string]string, error) {
	attrs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q, want key=value", p)
		}
		attrs[k] = strings.TrimSpace(v)
	}
	return attrs, nil
}

func activePreview(ctx context.Context, c *apiClient) (*capture.Preview, error) {
	var pv capture.Preview
	if err := c.getJSON(ctx, "/preview", &pv); err != nil {
		return nil, err
	}
	return &pv, nil
}

// resolvePreviewID returns id, or the active preview's id when id is empty.
func resolvePreviewID(ctx context.Context, c *apiClient, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	pv, err := activePreview(ctx, c)
	if err != nil {
		return "", err
	}
	return pv.ID, nil
}

func runPreviewConfirm(ctx context.Context, c *apiClient, id string, edits capture.Edits) error {
	id, err := resolvePreviewID(ctx, c, id)
	if err != nil {
		return err
	}
	var res capture.CommitResult
	if err := c.postJSON(ctx, "/preview/"+url.PathEscape(id)+"/confirm", edits, &res); err != nil {
		return err
	}
	if res.Created {
		printSuccess("Created contact %s", res.ContactID)
	} else {
		printSuccess("Updated contact %s", res.ContactID)
	}
	return nil
}

func runPreviewClose(ctx context.Context, c *apiClient, id, action string) error {
	id, err := resolvePreviewID(ctx, c, id)
	if err != nil {
		return err
	}
	if err := c.postJSON(ctx, "/preview/"+url.PathEscape(id)+"/"+action, nil, nil); err != nil {
		return err
	}
	done := "cancelled"
	if action == "discard" {
		done = "discarded"
	}
	printSuccess("Preview %s %s", id, done)
	return nil
}

// --- connectivity ---

var connectivityCmd = &cobra.Command{
	Use:       "connectivity [online|offline|auto]",
	Short:     "Show or override the connectivity state",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"online", "offline", "auto"},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runConnectivity(cmd.Context(), client, firstArg(args))
	},
}

func runConnectivity(ctx context.Context, c *apiClient, mode string) error {
	var st api.ConnectivityState
	var err error
	switch mode {
	case "":
		err = c.getJSON(ctx, "/connectivity", &st)
	case "online", "offline":
		err = c.call(ctx, http.MethodPut, "/connectivity", map[string]bool{"online": mode == "online"}, &st)
	case "auto":
		err = c.call(ctx, http.MethodDelete, "/connectivity", nil, &st)
	default:
		err = fmt.Errorf("unknown connectivity mode %q", mode)
	}
	if err != nil {
		return err
	}

	state := "offline"
	if st.Online {
		state = "online"
	}
	if st.Pinned {
		state += " (pinned)"
	}
	printStatus("Connectivity", "%s", state)
	return nil
}

// --- drain ---

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Present the oldest pending note now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var res map[string]string
		if err := client.postJSON(cmd.Context(), "/drain", nil, &res); err != nil {
			return err
		}
		switch outcome := res["outcome"]; outcome {
		case "presented":
			pv, err := activePreview(cmd.Context(), client)
			if err != nil {
				return err
			}
			renderPreview(os.Stdout, pv)
		case "failed":
			printWarning("The oldest note could not be processed and was marked failed")
		default:
			printStatus("Drain", "%s", outcome)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		renderConfig(os.Stdout, config.ShowAll(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long:  "Persist a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

func renderConfig(w io.Writer, keys []config.KeyInfo) {
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k.Key, k.Value, k.EnvVar})
	}
	fmt.Fprintln(w, renderTable([]string{"Key", "Value", "Env"}, rows, nil))
}
