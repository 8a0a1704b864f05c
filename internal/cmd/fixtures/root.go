package fixtures

import "github.com/spf13/cobra"

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "fixtures",
		Short: "Manages the fixtures",
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newGenerateCommand())
	return cmd
}
