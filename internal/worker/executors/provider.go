// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"

	"github.com/rillation/enrichment-runtime/internal/domain"
	"github.com/rillation/enrichment-runtime/internal/provider"
)

// SourceProvider is the part of the provider client the add_source
// protocol drives. *provider.Client satisfies it.
type SourceProvider interface {
	Preview(ctx context.Context, criteria domain.Criteria) (provider.PreviewResult, error)
	CreateTable(ctx context.Context, criteria domain.Criteria, taskID string, template []provider.FieldMapping) (provider.CreateTableResult, error)
	Populate(ctx context.Context, tableID, sourceID string) (provider.Response, error)
	RunSource(ctx context.Context, tableID, sourceID string) (provider.Response, error)
	RefreshTableSource(ctx context.Context, tableID, sourceID string) (provider.Response, error)
	ActivateSource(ctx context.Context, tableID, sourceID string) (provider.Response, error)
}

// OperationProvider issues a plan-defined call.
type OperationProvider interface {
	Do(ctx context.Context, method, path string, body any) (provider.Response, error)
}
