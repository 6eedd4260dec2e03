package forwarder

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/mosajjal/logshuttle/pkg/enrich"
	"github.com/mosajjal/logshuttle/pkg/models"
)

// Paths of the metrics and trace intakes.
const (
	DistributionPointsPath = "/api/v1/distribution_points"
	TracesPath             = "/api/v0.2/traces"
)

// series is one element of a distribution points submission.
type series struct {
	Metric string   `json:"metric"`
	Points [][2]any `json:"points"`
	Tags   []string `json:"tags"`
	Type   string   `json:"type"`
}

func distributionSeries(metrics []enrich.Metric) []series {
	out := make([]series, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, series{
			Metric: m.Name,
			Points: [][2]any{{int64(m.Timestamp), []float64{m.Value}}},
			Tags:   m.Tags,
			Type:   "distribution",
		})
	}
	return out
}

func attributeCategory(c models.Category) attribute.KeyValue {
	return attribute.String("category", string(c))
}
