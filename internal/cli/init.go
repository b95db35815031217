package cli

import (
	"github.com/spf13/cobra"

	"github.com/orvio-apps/caphub/internal/prompt"
	"github.com/orvio-apps/caphub/internal/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			w := wizard.New(prompt.Default())
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./caphub.json)")
	return cmd
}
