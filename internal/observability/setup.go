package observability

import (
	"context"

	"github.com/chargemap/chargemap-api/internal/infrastructure/observability"
)

func Setup(serviceName string) func(context.Context) error {
	observability.InitLogger()
	return observability.InitTracing(serviceName)
}
