// Package client contains Cobra CLI commands for coboard.
package client

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewBoardCommand constructs the `board` command group and subcommands.
func NewBoardCommand(baseURL BaseURLFunc) *cobra.Command {
	boardCmd := &cobra.Command{Use: "board", Short: "Board operations"}
	boardCmd.AddCommand(
		newBoardCreateCommand(baseURL),
		newBoardListCommand(baseURL),
	)
	return boardCmd
}

func newBoardCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a board",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			body := map[string]string{"board": name}
			if err := postJSON(cmd.Context(), baseURL(), "/v1/boards/create", body, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	createCmd.Flags().String("name", "default", "Board name")
	return createCmd
}

func newBoardListCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List boards",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Boards []string `json:"boards"`
			}
			if err := getJSON(cmd.Context(), baseURL(), "/v1/boards/list", &out); err != nil {
				return err
			}
			for _, b := range out.Boards {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), b)
			}
			return nil
		},
	}
}
