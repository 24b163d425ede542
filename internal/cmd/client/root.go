package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the coboard client.
// It registers the board and object command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "coboard",
		Short: "Coboard client commands",
	}
	root.AddCommand(NewBoardCommand(baseURL))
	root.AddCommand(NewObjectCommand(baseURL))
	return root
}
