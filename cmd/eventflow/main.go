package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "eventflow",
		Short:        "Event-driven workflow engine",
		Long:         "Eventflow queues a workflow execution for every active workflow bound to an incoming event and runs its lookup, filter and action steps.",
		SilenceUsage: true,
	}
	setupFlags(root)

	root.AddCommand(newServeCommand())
	root.AddCommand(newMCPCommand())
	root.AddCommand(newApplyCommand())
	root.AddCommand(newExportFieldsCommand())
	root.AddCommand(newImportLogsCommand())
	root.AddCommand(newVersionCommand())
	return root
}
