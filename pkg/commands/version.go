package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kkelly-offical/kkcode-sub002/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	}
}
