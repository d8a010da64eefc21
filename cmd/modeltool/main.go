// Command modeltool packages and inspects model weight artifacts.
//
// The pack command reads a JSON description of a trained network and writes a
// model version directory (model.weights plus labels.txt) that the runner's
// file store can load:
//
//	modeltool pack --spec model.json --labels labels.txt --out models/v1
//	modeltool inspect models/v1/model.weights
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aquasense/inference-runner/pkg/models"
)

// modelSpec is the JSON input format for pack.
type modelSpec struct {
	Architecture string         `json:"architecture"`
	InputWidth   int            `json:"input_width"`
	InputHeight  int            `json:"input_height"`
	Layers       []models.Layer `json:"layers"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "modeltool",
		Short:         "Package and inspect model weight artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newPackCmd(), newInspectCmd())
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newPackCmd() *cobra.Command {
	var specPath, labelsPath, outDir string
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Write a loadable model version directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(specPath)
			if err != nil {
				return fmt.Errorf("unable to read model description: %w", err)
			}
			var spec modelSpec
			if err := json.Unmarshal(raw, &spec); err != nil {
				return fmt.Errorf("unable to parse model description: %w", err)
			}

			data, err := models.EncodeWeights(spec.Architecture, spec.InputWidth, spec.InputHeight, spec.Layers)
			if err != nil {
				return err
			}

			labels, err := os.ReadFile(labelsPath)
			if err != nil {
				return fmt.Errorf("unable to read labels: %w", err)
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(outDir, "model.weights"), data, 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(outDir, "labels.txt"), labels, 0o644); err != nil {
				return err
			}

			info, err := models.InspectWeights(data)
			if err != nil {
				return err
			}
			cmd.Printf("Wrote %s: %s, %d params, checksum %s\n",
				outDir, info.Architecture, info.ParamCount, info.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&specPath, "spec", "", "JSON model description")
	cmd.Flags().StringVar(&labelsPath, "labels", "", "labels file, one class label per line")
	cmd.Flags().StringVar(&outDir, "out", "", "output model version directory")
	_ = cmd.MarkFlagRequired("spec")
	_ = cmd.MarkFlagRequired("labels")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect ARTIFACT",
		Short: "Validate and summarize a weights artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			info, err := models.InspectWeights(data)
			if err != nil {
				return err
			}
			cmd.Printf("Architecture: %s\n", info.Architecture)
			cmd.Printf("Input: %dx%d\n", info.InputWidth, info.InputHeight)
			cmd.Printf("Parameters: %d\n", info.ParamCount)
			cmd.Printf("Checksum: %s\n", info.Checksum)
			for i, dims := range info.LayerDims {
				cmd.Printf("Layer %d: %d -> %d\n", i, dims[0], dims[1])
			}
			return nil
		},
	}
}
