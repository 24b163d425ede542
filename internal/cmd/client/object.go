package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rzbill/coboard/internal/object"
	"github.com/spf13/cobra"
)

// NewObjectCommand constructs the `object` command group and subcommands.
func NewObjectCommand(baseURL BaseURLFunc) *cobra.Command {
	objectCmd := &cobra.Command{Use: "object", Short: "Board object operations"}
	objectCmd.AddCommand(
		newObjectCreateCommand(baseURL),
		newObjectUpdateCommand(baseURL),
		newObjectDeleteCommand(baseURL),
		newObjectListCommand(baseURL),
		newObjectGetCommand(baseURL),
		newObjectWatchCommand(baseURL),
	)
	return objectCmd
}

func newObjectCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an object",
		RunE: func(cmd *cobra.Command, _ []string) error {
			board, _ := cmd.Flags().GetString("board")
			author, _ := cmd.Flags().GetString("author")
			rawJSON, _ := cmd.Flags().GetString("json")

			var obj object.Object
			if rawJSON != "" {
				if err := json.Unmarshal([]byte(rawJSON), &obj); err != nil {
					return fmt.Errorf("invalid --json: %w", err)
				}
			} else {
				obj.ID, _ = cmd.Flags().GetString("id")
				kind, _ := cmd.Flags().GetString("kind")
				obj.Kind = object.Kind(kind)
				obj.X, _ = cmd.Flags().GetFloat64("x")
				obj.Y, _ = cmd.Flags().GetFloat64("y")
				obj.Width, _ = cmd.Flags().GetFloat64("width")
				obj.Height, _ = cmd.Flags().GetFloat64("height")
				obj.Fill, _ = cmd.Flags().GetString("fill")
				obj.Text, _ = cmd.Flags().GetString("text")
			}

			body := map[string]any{"board": board, "author": author, "object": &obj}
			if err := postJSON(cmd.Context(), baseURL(), "/v1/objects/create", body, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	createCmd.Flags().StringP("board", "b", "default", "Board name")
	createCmd.Flags().String("author", "cli", "Author id")
	createCmd.Flags().String("id", "", "Object id (server mints one when empty)")
	createCmd.Flags().String("kind", "rect", "Object kind: rect|circle|text")
	createCmd.Flags().Float64("x", 0, "X position")
	createCmd.Flags().Float64("y", 0, "Y position")
	createCmd.Flags().Float64("width", 0, "Width")
	createCmd.Flags().Float64("height", 0, "Height")
	createCmd.Flags().String("fill", "", "Fill color")
	createCmd.Flags().String("text", "", "Text content")
	createCmd.Flags().String("json", "", "Full object as JSON (overrides field flags)")
	return createCmd
}

func newObjectUpdateCommand(baseURL BaseURLFunc) *cobra.Command {
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Update an object with a JSON patch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			board, _ := cmd.Flags().GetString("board")
			author, _ := cmd.Flags().GetString("author")
			id, _ := cmd.Flags().GetString("id")
			rawPatch, _ := cmd.Flags().GetString("patch")
			cond, _ := cmd.Flags().GetString("cond")
			owner, _ := cmd.Flags().GetString("owner")

			if id == "" || rawPatch == "" {
				return fmt.Errorf("--id and --patch are required")
			}
			var patch object.Patch
			if err := json.Unmarshal([]byte(rawPatch), &patch); err != nil {
				return fmt.Errorf("invalid --patch: %w", err)
			}
			body := map[string]any{
				"board": board, "author": author, "id": id,
				"patch": patch, "cond": cond, "owner": owner,
			}
			var rec object.Object
			if err := postJSON(cmd.Context(), baseURL(), "/v1/objects/update", body, &rec); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
	updateCmd.Flags().StringP("board", "b", "default", "Board name")
	updateCmd.Flags().String("author", "cli", "Author id")
	updateCmd.Flags().String("id", "", "Object id")
	updateCmd.Flags().String("patch", "", "Partial update as JSON, e.g. '{\"x\":10}'")
	updateCmd.Flags().String("cond", "", "Write condition: owner_is_none|owner_is (empty = unconditional)")
	updateCmd.Flags().String("owner", "", "Owner id for --cond=owner_is")
	return updateCmd
}

func newObjectDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an object",
		RunE: func(cmd *cobra.Command, _ []string) error {
			board, _ := cmd.Flags().GetString("board")
			author, _ := cmd.Flags().GetString("author")
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			body := map[string]string{"board": board, "author": author, "id": id}
			if err := postJSON(cmd.Context(), baseURL(), "/v1/objects/delete", body, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	deleteCmd.Flags().StringP("board", "b", "default", "Board name")
	deleteCmd.Flags().String("author", "cli", "Author id")
	deleteCmd.Flags().String("id", "", "Object id")
	return deleteCmd
}

func newObjectListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a board's objects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			board, _ := cmd.Flags().GetString("board")
			var out struct {
				Objects []object.Object `json:"objects"`
			}
			path := "/v1/objects/list?board=" + url.QueryEscape(board)
			if err := getJSON(cmd.Context(), baseURL(), path, &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out.Objects)
		},
	}
	listCmd.Flags().StringP("board", "b", "default", "Board name")
	return listCmd
}

func newObjectGetCommand(baseURL BaseURLFunc) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch a single object",
		RunE: func(cmd *cobra.Command, _ []string) error {
			board, _ := cmd.Flags().GetString("board")
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			var rec object.Object
			path := "/v1/objects/get?board=" + url.QueryEscape(board) + "&id=" + url.QueryEscape(id)
			if err := getJSON(cmd.Context(), baseURL(), path, &rec); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
	getCmd.Flags().StringP("board", "b", "default", "Board name")
	getCmd.Flags().String("id", "", "Object id")
	return getCmd
}

// newObjectWatchCommand tails the board's change feed over SSE, printing one
// JSON event per line.
func newObjectWatchCommand(baseURL BaseURLFunc) *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail a board's change feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			board, _ := cmd.Flags().GetString("board")
			from, _ := cmd.Flags().GetUint64("from")
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")

			q := url.Values{}
			q.Set("board", board)
			if from > 0 {
				q.Set("from", fmt.Sprintf("%d", from))
			}
			if filter != "" {
				q.Set("filter", filter)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
				baseURL()+"/v1/objects/subscribe?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("http error: %s", resp.Status)
			}

			out := cmd.OutOrStdout()
			seen := 0
			sc := bufio.NewScanner(resp.Body)
			sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for sc.Scan() {
				line := sc.Text()
				if !strings.HasPrefix(line, "data: ") {
					continue
				}
				_, _ = fmt.Fprintln(out, strings.TrimPrefix(line, "data: "))
				seen++
				if limit > 0 && seen >= limit {
					return nil
				}
			}
			return sc.Err()
		},
	}
	watchCmd.Flags().StringP("board", "b", "default", "Board name")
	watchCmd.Flags().Uint64("from", 0, "Replay from change seq (0 = live only)")
	watchCmd.Flags().String("filter", "", "CEL filter (server-side)")
	watchCmd.Flags().Int("limit", 0, "Stop after N events (0 = infinite)")
	return watchCmd
}
