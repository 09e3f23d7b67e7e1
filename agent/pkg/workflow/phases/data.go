package phases

import (
	"context"
	"fmt"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
)

// SchemaExplorer records the datastore schema.
type SchemaExplorer struct {
	cfg *Config
}

func (p *SchemaExplorer) Execute(ctx context.Context, _ workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
	schema, err := p.cfg.SchemaFetcher.FetchSchema(ctx)
	if err != nil {
		return workflow.PhaseOutput{}, fmt.Errorf("failed to fetch schema: %w", err)
	}
	narrate.Say(string(workflow.PhaseSchemaExplorer), "Loaded the database schema")
	return workflow.PhaseOutput{Value: schema}, nil
}

// DataSampler records the first rows of every table.
type DataSampler struct {
	cfg *Config
}

func (p *DataSampler) Execute(ctx context.Context, _ workflow.StateReader, narrate workflow.Narrator) (workflow.PhaseOutput, error) {
	samples, err := p.cfg.Sampler.SampleTables(ctx, p.cfg.SampleRows)
	if err != nil {
		return workflow.PhaseOutput{}, fmt.Errorf("failed to sample tables: %w", err)
	}
	narrate.Say(string(workflow.PhaseDataSampler), "Sampled up to %d rows per table", p.cfg.SampleRows)
	return workflow.PhaseOutput{Value: samples}, nil
}
