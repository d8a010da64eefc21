package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aquasense/inference-runner/pkg/inference"
)

func newPredictCmd(c *client) *cobra.Command {
	var version string
	var allProbabilities bool
	cmd := &cobra.Command{
		Use:   "predict IMAGE",
		Short: "Run a synchronous prediction on an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("unable to read image: %w", err)
			}

			var result inference.PredictionResult
			err = c.post("/v1/predict", inference.PredictRequest{
				Image:            image,
				Version:          version,
				AllProbabilities: allProbabilities,
			}, &result)
			if err != nil {
				return err
			}

			cmd.Printf("%s (%.1f%% confidence, model %s, %.1fms)\n",
				result.Label, result.Confidence*100, result.ModelVersion, result.LatencyMs)
			if allProbabilities {
				for i, p := range result.Probabilities {
					cmd.Printf("  class %d: %.4f\n", i, p)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "model", "", "model version (default: server default)")
	cmd.Flags().BoolVar(&allProbabilities, "all-probabilities", false, "print the full class distribution")
	return cmd
}
