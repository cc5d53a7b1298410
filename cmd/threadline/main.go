// Command threadline runs the conversation server and its maintenance
// subcommands (database migrations, knowledge base seeding).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/threadline/threadline/internal/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "threadline",
		Short:         "Cross-channel conversation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to config.toml")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSeedCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("threadline %s\n", version.GetInfo())
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
