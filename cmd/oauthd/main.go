package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// commandRoot mirrors dex's cmd/dex/poke.go: a bare root command whose
// only job is to print help and dispatch to subcommands.
func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "oauthd",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandVersion())
	return rootCmd
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
}
