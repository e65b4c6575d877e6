// cmd/risk-gateway/activities.go
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"risk-gateway/internal/common/config"
	"risk-gateway/internal/inference"
	"risk-gateway/internal/riskmodel"
	explainrisk "risk-gateway/internal/workers/risk/explain-risk"
	predictrisk "risk-gateway/internal/workers/risk/predict-risk"
	"risk-gateway/pkg/registry"
)

func newActivitiesCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activities",
		Short: "Print the job worker catalog for the configured model",
		Long: `Print the activity registry: one entry per job worker with input and
output JSON schemas derived from the configured model artifact.

Examples:
  risk-gateway activities --output configs/activity-registry.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			output, _ := cmd.Flags().GetString("output")
			return runActivities(cmd, stdout, output)
		},
	}
	cmd.Flags().String("output", "", "Write to this file instead of stdout")
	return cmd
}

func runActivities(cmd *cobra.Command, stdout io.Writer, output string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	handle, err := riskmodel.LoadFile(cfg.Model.ArtifactPath)
	if err != nil {
		return err
	}

	reg, err := buildRegistry(cfg, handle)
	if err != nil {
		return err
	}

	if output == "" {
		return reg.Write(stdout)
	}
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := reg.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func buildRegistry(cfg *config.Config, handle *riskmodel.Handle) (*registry.ActivityRegistry, error) {
	features := inference.BuildJSONSchema(handle.Schema())
	reg := &registry.ActivityRegistry{
		Version:      version,
		LastUpdated:  time.Now().UTC().Format(time.RFC3339),
		ModelName:    handle.Name(),
		ModelVersion: handle.Version(),
	}
	activities := []registry.Activity{
		predictrisk.Activity(features, config.GetWorkerConfig(cfg, predictrisk.TaskType)),
		explainrisk.Activity(features, config.GetWorkerConfig(cfg, explainrisk.TaskType), cfg.Explain),
	}
	for _, a := range activities {
		if err := reg.Add(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
