// Package commands implements the operator CLI for the inference runner.
package commands

import "github.com/spf13/cobra"

// defaultAddr is the runner address used when --addr is not given. The
// INFERENCE_ADDR environment variable overrides it.
const defaultAddr = "http://localhost:8085"

func NewRootCmd() *cobra.Command {
	var addr string
	rootCmd := &cobra.Command{
		Use:           "aqsctl",
		Short:         "AquaSense Inference Runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "runner address (default \""+defaultAddr+"\")")
	client := newClient(&addr)
	rootCmd.AddCommand(
		newStatusCmd(client),
		newModelsCmd(client),
		newPredictCmd(client),
		newSubmitCmd(client),
		newTaskCmd(client),
	)
	return rootCmd
}
