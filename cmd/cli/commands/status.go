package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/aquasense/inference-runner/pkg/metrics"
)

func newStatusCmd(c *client) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show runner health and performance",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Decode the body even on 503: an unhealthy runner still
			// reports which required model is missing.
			resp, err := c.http.Get(c.base() + "/v1/health")
			if err != nil {
				return fmt.Errorf("unable to reach runner: %w", err)
			}
			defer resp.Body.Close()

			var report metrics.HealthReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return fmt.Errorf("unable to decode health report: %w", err)
			}

			if asJSON {
				out, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(out))
				return nil
			}

			cmd.Printf("Status: %s (%s on %s)\n", report.Status, report.Host.Hostname, report.Registry.Device)
			cmd.Printf("Models: %d/%d cached\n", report.Registry.Size, report.Registry.Capacity)
			if len(report.RequiredModels) > 0 {
				versions := make([]string, 0, len(report.RequiredModels))
				for version := range report.RequiredModels {
					versions = append(versions, version)
				}
				sort.Strings(versions)
				for _, version := range versions {
					state := "loadable"
					if !report.RequiredModels[version] {
						state = "MISSING"
					}
					cmd.Printf("  %s: %s\n", version, state)
				}
			}
			cmd.Printf("Latency: p50 %.1fms  p95 %.1fms  p99 %.1fms\n",
				report.Performance.P50Ms, report.Performance.P95Ms, report.Performance.P99Ms)
			cmd.Printf("Throughput: %.2f/s  error rate %.2f%%  (%d samples)\n",
				report.Performance.ThroughputPerSec,
				report.Performance.ErrorRate*100,
				report.Performance.SampleCount)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw health report")
	return cmd
}
