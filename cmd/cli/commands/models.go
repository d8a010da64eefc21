package commands

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/aquasense/inference-runner/pkg/models"
)

func newModelsCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage cached models",
	}
	cmd.AddCommand(newModelsListCmd(c), newModelsLoadCmd(c), newModelsEvictCmd(c))
	return cmd
}

func newModelsListCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached models",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snapshot models.HealthSnapshot
			if err := c.get("/v1/models", &snapshot); err != nil {
				return err
			}
			if len(snapshot.Models) == 0 {
				cmd.Println("No models cached")
				return nil
			}

			versions := make([]string, 0, len(snapshot.Models))
			for version := range snapshot.Models {
				versions = append(versions, version)
			}
			sort.Strings(versions)
			for _, version := range versions {
				status := snapshot.Models[version]
				cmd.Printf("%s\t%s\t%d params\t%d calls\t%d errors\n",
					version,
					status.Architecture,
					status.ParamCount,
					status.Counters.Calls,
					status.Counters.Errors)
			}
			return nil
		},
	}
}

func newModelsLoadCmd(c *client) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "load VERSION",
		Short: "Load a model version into the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/models/" + args[0] + "/load"
			if force {
				path += "?force=true"
			}
			var status models.ModelStatus
			if err := c.post(path, nil, &status); err != nil {
				return err
			}
			cmd.Printf("Loaded %s (%s, %d params, checksum %s)\n",
				args[0],
				status.Architecture,
				status.ParamCount,
				status.Checksum)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reload even if already cached")
	return cmd
}

func newModelsEvictCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "evict VERSION",
		Short: "Evict a model version from the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, c.base()+"/v1/models/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("unable to reach runner: %w", err)
			}
			defer resp.Body.Close()
			if err := decode(resp, nil); err != nil {
				return err
			}
			cmd.Printf("Evicted %s\n", args[0])
			return nil
		},
	}
}
