package enrich

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosajjal/logshuttle/pkg/models"
)

const fnARN = "arn:aws:lambda:us-east-1:123456789012:function:checkout"

type fakeTags map[string][]string

func (f fakeTags) Get(_ context.Context, id string) []string { return f[strings.ToLower(id)] }

func lambdaRecord(service string) models.Record {
	return models.Record{
		models.FieldMessage: "hello",
		models.FieldSource:  "lambda",
		models.FieldService: service,
		models.FieldTags:    "forwardername:forwarder,env:none",
		models.FieldLambda:  map[string]any{"arn": fnARN},
	}
}

func TestLambdaMetadata(t *testing.T) {
	tests := []struct {
		name        string
		service     string
		tags        []string
		wantService string
		wantTags    string
	}{
		{
			name:        "function name as service",
			service:     "lambda",
			wantService: "checkout",
			wantTags:    "forwardername:forwarder,env:none,functionname:checkout,service:checkout",
		},
		{
			name:        "service and env from function tags",
			service:     "lambda",
			tags:        []string{"service:payments", "env:prod", "team:core"},
			wantService: "payments",
			wantTags:    "forwardername:forwarder,env:prod,functionname:checkout,service:payments,team:core",
		},
		{
			name:        "service chosen while parsing wins",
			service:     "orders",
			tags:        []string{"service:payments", "team:core"},
			wantService: "orders",
			wantTags:    "forwardername:forwarder,env:none,functionname:checkout,team:core",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := lambdaRecord(tt.service)
			New(fakeTags{fnARN: tt.tags}).Record(context.Background(), rec)

			meta := models.Metadata(rec)
			assert.Equal(t, fnARN, meta.Host())
			assert.Equal(t, tt.wantService, meta.Service())
			assert.Equal(t, tt.wantTags, meta.Tags())
		})
	}
}

func TestLambdaMetadataSkipsOtherRecords(t *testing.T) {
	rec := models.Record{models.FieldMessage: "x", models.FieldSource: "s3", models.FieldTags: "a:b"}
	New(nil).Record(context.Background(), rec)
	assert.Equal(t, "a:b", rec[models.FieldTags])
	assert.NotContains(t, rec, models.FieldHost)
}

func TestExtractMessageTags(t *testing.T) {
	t.Run("json string message", func(t *testing.T) {
		rec := models.Record{
			models.FieldMessage: `{"level":"info","ddtags":"team:core,service:api","n":12345678901234567890}`,
			models.FieldService: "lambda",
			models.FieldTags:    "env:prod,service:lambda",
		}
		extractMessageTags(rec)
		assert.JSONEq(t, `{"level":"info","n":12345678901234567890}`, rec[models.FieldMessage].(string))
		assert.Equal(t, "api", rec[models.FieldService])
		assert.Equal(t, "env:prod,team:core,service:api", rec[models.FieldTags])
	})

	t.Run("object message", func(t *testing.T) {
		rec := models.Record{
			models.FieldMessage: map[string]any{"ddtags": "team:core"},
			models.FieldTags:    "env:prod",
		}
		extractMessageTags(rec)
		assert.Equal(t, map[string]any{}, rec[models.FieldMessage])
		assert.Equal(t, "env:prod,team:core", rec[models.FieldTags])
	})

	t.Run("plain text mentioning ddtags", func(t *testing.T) {
		rec := models.Record{models.FieldMessage: "set ddtags please", models.FieldTags: "env:prod"}
		extractMessageTags(rec)
		assert.Equal(t, "set ddtags please", rec[models.FieldMessage])
		assert.Equal(t, "env:prod", rec[models.FieldTags])
	})
}

func TestHostRules(t *testing.T) {
	const role = "arn:aws:sts::123456789012:assumed-role/my-role/i-0123456789abcdef0"
	tests := []struct {
		name string
		rec  models.Record
		want any
	}{
		{
			name: "cloudtrail message",
			rec: models.Record{
				models.FieldSource:  SourceCloudTrail,
				models.FieldMessage: `{"userIdentity":{"arn":"` + role + `"}}`,
			},
			want: "i-0123456789abcdef0",
		},
		{
			name: "cloudtrail from s3",
			rec: models.Record{
				models.FieldSource: SourceCloudTrail,
				"userIdentity":     map[string]any{"arn": "arn:aws:sts::1:assumed-role/r/i-01234567"},
			},
			want: "i-01234567",
		},
		{
			name: "cloudtrail user session",
			rec: models.Record{
				models.FieldSource: SourceCloudTrail,
				"userIdentity":     map[string]any{"arn": "arn:aws:iam::1:user/alice"},
			},
		},
		{
			name: "guardduty",
			rec: models.Record{
				models.FieldSource: SourceGuardDuty,
				"detail":           map[string]any{"resource": map[string]any{"instanceDetails": map[string]any{"instanceId": "i-abc"}}},
			},
			want: "i-abc",
		},
		{
			name: "route53",
			rec: models.Record{
				models.FieldSource:  SourceRoute53,
				models.FieldMessage: `{"srcids":{"instance":"i-def"}}`,
			},
			want: "i-def",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			New(nil).Record(context.Background(), tt.rec)
			assert.Equal(t, tt.want, tt.rec[models.FieldHost])
		})
	}
}

func TestEnrich(t *testing.T) {
	records := []models.Record{lambdaRecord("lambda"), {models.FieldMessage: "x"}}
	out := New(nil).Enrich(context.Background(), records)
	require.Len(t, out, 2)
	assert.Equal(t, "checkout", out[0][models.FieldService])
}
