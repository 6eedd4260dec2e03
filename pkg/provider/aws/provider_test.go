package aws

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	rgtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosajjal/logshuttle/pkg/cache"
	"github.com/mosajjal/logshuttle/pkg/models"
	"github.com/mosajjal/logshuttle/pkg/provider"
	"github.com/mosajjal/logshuttle/pkg/storage/memory"
)

const invokedARN = "arn:aws:lambda:us-east-1:123456789012:function:Forwarder"

var exec = models.ExecutionContext{
	FunctionName:       "Forwarder",
	FunctionVersion:    "$LATEST",
	InvokedFunctionARN: invokedARN,
	MemoryLimitMB:      1024,
}

func gz(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func logsPayload(t *testing.T, group, stream string, messages ...string) []byte {
	t.Helper()
	data := map[string]any{
		"messageType": "DATA_MESSAGE",
		"owner":       "123456789012",
		"logGroup":    group,
		"logStream":   stream,
		"logEvents":   []map[string]any{},
	}
	evs := make([]map[string]any, 0, len(messages))
	for i, m := range messages {
		evs = append(evs, map[string]any{"id": fmt.Sprint(i), "timestamp": 1700000000000 + i, "message": m})
	}
	data["logEvents"] = evs
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return gz(t, raw)
}

func awslogsEvent(t *testing.T, group, stream string, messages ...string) json.RawMessage {
	t.Helper()
	data := base64.StdEncoding.EncodeToString(logsPayload(t, group, stream, messages...))
	return json.RawMessage(fmt.Sprintf(`{"awslogs":{"data":%q}}`, data))
}

func s3Event(bucket, key string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"Records":[{"eventSource":"aws:s3","s3":{"bucket":{"name":%q},"object":{"key":%q}}}]}`, bucket, key))
}

type fakeObjects struct {
	objects map[string][]byte
	err     error
}

func (f *fakeObjects) Open(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

type fakeTagging struct {
	byType map[string][]rgtypes.ResourceTagMapping
}

func (f *fakeTagging) GetResources(_ context.Context, in *resourcegroupstaggingapi.GetResourcesInput, _ ...func(*resourcegroupstaggingapi.Options)) (*resourcegroupstaggingapi.GetResourcesOutput, error) {
	out := &resourcegroupstaggingapi.GetResourcesOutput{}
	for _, typ := range in.ResourceTypeFilters {
		out.ResourceTagMappingList = append(out.ResourceTagMappingList, f.byType[typ]...)
	}
	return out, nil
}

type fakeLogs struct {
	tags map[string]map[string]string
}

func (f *fakeLogs) ListTagsForResource(_ context.Context, in *cloudwatchlogs.ListTagsForResourceInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.ListTagsForResourceOutput, error) {
	return &cloudwatchlogs.ListTagsForResourceOutput{Tags: f.tags[aws.ToString(in.ResourceArn)]}, nil
}

func tagMapping(arn string, kv ...string) rgtypes.ResourceTagMapping {
	m := rgtypes.ResourceTagMapping{ResourceARN: aws.String(arn)}
	for i := 0; i+1 < len(kv); i += 2 {
		m.Tags = append(m.Tags, rgtypes.Tag{Key: aws.String(kv[i]), Value: aws.String(kv[i+1])})
	}
	return m
}

func newLayer(tagging cache.TaggingAPI, logs cache.LogsAPI) *cache.Layer {
	return cache.NewLayer(memory.New(), cache.LayerConfig{
		FetchS3:            true,
		FetchStepFunctions: true,
		FetchLogGroup:      true,
		Tagging:            tagging,
		Logs:               logs,
		Options:            cache.Options{Jitter: func() time.Duration { return 0 }},
	})
}

func parse(t *testing.T, p *Provider, raw json.RawMessage) ([]models.Record, string) {
	t.Helper()
	s, kind := p.Parse(context.Background(), raw, exec)
	return provider.Normalize(context.Background(), s), kind
}

func newProvider(t *testing.T, cfg Config, layer *cache.Layer, objects ObjectReader) *Provider {
	t.Helper()
	cfg.ForwarderVersion = "1.0.0"
	p, err := NewProvider(cfg, layer, objects)
	require.NoError(t, err)
	return p
}

func TestProvider_Name(t *testing.T) {
	assert.Equal(t, "aws", newProvider(t, Config{}, nil, nil).Name())
}

func TestDecodeCloudWatchData(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{name: "invalid base64", data: "not-valid-base64!@#", wantErr: true},
		{name: "valid base64 but not gzip", data: base64.StdEncoding.EncodeToString([]byte("not gzipped")), wantErr: true},
		{name: "gzipped", data: base64.StdEncoding.EncodeToString(gz(t, []byte(`{"a":1}`)))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := decodeCloudWatchData(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, `{"a":1}`, string(out))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		event string
		want  string
	}{
		{"s3", `{"Records":[{"s3":{}}]}`, EventS3},
		{"sns wrapping s3", `{"Records":[{"Sns":{"Message":"{\"Records\":[{\"s3\":{}}]}"}}]}`, EventS3},
		{"sns", `{"Records":[{"Sns":{"Message":"hello"}}]}`, EventSNS},
		{"kinesis", `{"Records":[{"kinesis":{"data":""}}]}`, EventKinesis},
		{"awslogs", `{"awslogs":{"data":""}}`, EventAWSLogs},
		{"empty records then awslogs", `{"Records":[],"awslogs":{"data":""}}`, EventAWSLogs},
		{"eventbridge", `{"source":"aws.ec2","detail":{}}`, EventEvents},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(json.RawMessage(tt.event))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{`{}`, `{"Records":[{"other":1}]}`, `[1,2]`, `not json`} {
		_, err := Classify(json.RawMessage(bad))
		assert.ErrorIs(t, err, ErrUnsupportedEvent, bad)
	}
}

func TestCloudWatchSource(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/aws/rds/my-rds-resource", "rds"},
		{"/aws/rds/mariaDB-instance/error", "mariadb"},
		{"/aws/rds/mySQL-instance/error", "mysql"},
		{"/aws/lambda/postRestAPI", "lambda"},
		{"Api-Gateway-Execution-Logs_a1b23c/test", "apigateway"},
		{"dms-tasks-test-instance", "dms"},
		{"sns/us-east-1/123456779121/SnsTopicX", "sns"},
		{"/aws/codebuild/new-project-sample", "codebuild"},
		{"/aws/kinesisfirehose/test", "kinesis"},
		{"/aws/docdb/testCluster/profile", "docdb"},
		{"abc123_my_vpc_loggroup", "vpc"},
		{"my-route53-loggroup123", "route53"},
		{"/ecs/fargate-logs", "fargate"},
		{"/aws/eks/control-plane/cluster", "eks"},
		{"/elasticsearch/domain", "elasticsearch"},
		{"/myMSKLogGroup", "msk"},
		{"/aws/vendedlogs/states/my-sm", "stepfunction"},
		{"/aws/appsync/apis/abc", "appsync"},
		{"/aws/fsx/windows/fs1", "aws.fsx"},
		{"cloudtrail", "cloudtrail"},
		{"_CloudTrail_audit", "cloudtrail"},
		{"_CloudTrail_vpc-audit", "vpc"},
		{"transitgateway", "transitgateway"},
		{"bedrock", "bedrock"},
		{"", "cloudwatch"},
		{"my-app-logs", "cloudwatch"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CloudWatchSource(tt.in), tt.in)
	}
}

func TestS3Source(t *testing.T) {
	tests := []struct{ in, want string }{
		{"cloud-trail/AWSLogs/123456779121/CloudTrail/us-west-3/2018/01/07/123456779121_CloudTrail_eu-west-3_20180707T1735Z_abcdefghi0MCRL2O.json.gz", "cloudtrail"},
		// waf and sns appear in the file name but CloudTrail wins
		{"cloud-trail/AWSLogs/123456779121/CloudTrail/us-west-3/2018/01/07/123456779121_CloudTrail_eu-west-3_20180707T1735Z_xywafKsnsXMBrdsMCRL2O.json.gz", "cloudtrail"},
		{"AWSLogs/123456779121/CLOUDTRAIL/us-gov-west-1/123456779121_CLOUDTRAIL_us-gov-west-1_20180707T1735Z_abc.json.gz", "cloudtrail"},
		{"AWSLogs/amazon_dms/my-s3.json.gz", "dms"},
		{"AWSLogs/amazon_kinesis/my-s3.json.gz", "kinesis"},
		{"/amazon_documentdb/dev/123abc.zip", "docdb"},
		{"AWSLogs/123456779121/vpcflowlogs/us-east-1/2020/10/02/123456779121_vpcflowlogs.gz", "vpc"},
		{"AWSLogs/123456779121/elasticloadbalancing/us-east-1/2020/10/02/x_app.alb.log.gz", "elb"},
		{"2020/10/02/21/aws-waf-logs-testing-1-2020-10-02-21-25-30-x123x-x456x", "waf"},
		{"AWSLogs/123456779121/WAFLogs/us-east-1/xxxxxx-waf/2022/10/11/14/10/x.log.gz", "waf"},
		{"AWSLogs/123456779121/redshift/us-east-1/2020/10/21/123_redshift_us-east-1_userlog", "redshift"},
		{"AWSLogs/123/vpcdnsquerylogs/vpc-1/2021/05/11/vpc-1_vpcdnsquerylogs_1.log.gz", "route53"},
		{"AWSLogs/cloudfront/123456779121/test/01.gz", "cloudfront"},
		{"AWSLogs/amazon_msk/us-east-1/xxxxx.log.gz", "msk"},
		{"carbon-black-cloud-forwarder/alerts/org_key=1/x.jsonl.gz", "carbonblack"},
		{"random/object.log", "s3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, S3Source(tt.in), tt.in)
	}
}

func TestLambdaNameFromStream(t *testing.T) {
	name, ok := LambdaNameFromStream("2023/11/06/test-customized-log-group1[$LATEST]13e304cba4b9446eb7ef082a00038990")
	require.True(t, ok)
	assert.Equal(t, "test-customized-log-group1", name)

	name, ok = LambdaNameFromStream("2023/11/06/fn[12]13e304cba4b9446eb7ef082a00038990")
	require.True(t, ok)
	assert.Equal(t, "fn", name)

	for _, stream := range []string{"", "states/my-sm/2023", "2023/11/06/fn[$LATEST]xyz", "2023/11/06/[$LATEST]13e304cba4b9446eb7ef082a00038990"} {
		_, ok := LambdaNameFromStream(stream)
		assert.False(t, ok, stream)
	}
}

func TestEKSSource(t *testing.T) {
	assert.Equal(t, "kubernetes.audit", EKSSource("kube-apiserver-audit-123"))
	assert.Equal(t, "kube-apiserver", EKSSource("kube-apiserver-123"))
	assert.Equal(t, "kube_scheduler", EKSSource("kube-scheduler-123"))
	assert.Equal(t, "kube-controller-manager", EKSSource("kube-controller-manager-123"))
	assert.Equal(t, "aws-iam-authenticator", EKSSource("authenticator-123"))
	assert.Equal(t, "eks", EKSSource("cloud-controller-manager-123"))
}

func TestStateMachineARN(t *testing.T) {
	assert.Equal(t,
		"arn:aws:states:us-east-1:123456789012:stateMachine:my-sm",
		StateMachineARN("arn:aws:states:us-east-1:123456789012:execution:my-sm:run-1"))
	assert.Equal(t,
		"arn:aws:states:us-east-1:123456789012:stateMachine:my-sm",
		StateMachineARN("arn:aws:states:us-east-1:123456789012:express:my-sm/run-1/abc"))
	assert.Empty(t, StateMachineARN("not-an-arn"))
}

func TestLogGroupARN(t *testing.T) {
	assert.Equal(t, "arn:aws:logs:us-east-1:999:log-group:/aws/lambda/x", LogGroupARN(invokedARN, "999", "/aws/lambda/x"))
	assert.Equal(t, "arn:aws:logs:us-east-1:123456789012:log-group:g", LogGroupARN(invokedARN, "", "g"))
	assert.Empty(t, LogGroupARN("bad", "1", "g"))
	assert.Empty(t, LogGroupARN(invokedARN, "1", ""))
}

func TestGenerateMetadata(t *testing.T) {
	meta := GenerateMetadata(exec, Config{Tags: "team:core", ForwarderVersion: "1.2.3"})
	assert.Equal(t, "aws", meta[models.FieldSourceCategory])
	assert.Equal(t, map[string]any{FieldInvokedFunctionARN: invokedARN}, meta[models.FieldAWS])
	assert.Equal(t, "team:core,forwardername:forwarder,forwarder_version:1.2.3", meta.Tags())
	assert.False(t, meta.HasSource())

	versioned := exec
	versioned.FunctionVersion = "7"
	meta = GenerateMetadata(versioned, Config{CustomSource: "custom", ForwarderVersion: "1.2.3"})
	assert.Equal(t, "7", meta[models.FieldAWS].(map[string]any)[FieldFunctionVersion])
	assert.Equal(t, "custom", meta.Source())
	assert.Equal(t, "forwardername:forwarder,forwarder_version:1.2.3,source_overridden:true", meta.Tags())
}

func TestParseUnsupported(t *testing.T) {
	records, kind := parse(t, newProvider(t, Config{}, nil, nil), json.RawMessage(`{"foo":"bar"}`))
	assert.Equal(t, EventUnknown, kind)
	require.Len(t, records, 1)
	assert.True(t, strings.HasPrefix(records[0][models.FieldMessage].(string), "Error parsing the object. Exception:"))
	assert.Equal(t, "aws", records[0][models.FieldSourceCategory])
}

func TestParseAWSLogsLambda(t *testing.T) {
	p := newProvider(t, Config{}, nil, nil)
	records, kind := parse(t, p, awslogsEvent(t, "/aws/lambda/My-Fn", "2023/11/06/[$LATEST]abc", "START", "hello"))
	assert.Equal(t, EventAWSLogs, kind)
	require.Len(t, records, 2)

	for i, rec := range records {
		assert.Equal(t, "lambda", rec[models.FieldSource])
		assert.Equal(t, "lambda", rec[models.FieldService])
		assert.Equal(t, "/aws/lambda/My-Fn", rec[models.FieldHost])
		assert.Equal(t, map[string]any{"arn": "arn:aws:lambda:us-east-1:123456789012:function:my-fn"}, rec[models.FieldLambda])
		assert.Contains(t, rec[models.FieldTags], "env:none")
		assert.Equal(t, fmt.Sprint(i), rec["id"])

		awsField := rec[models.FieldAWS].(map[string]any)
		assert.Equal(t, invokedARN, awsField[FieldInvokedFunctionARN])
		assert.Equal(t, map[string]any{
			"logGroup":  "/aws/lambda/My-Fn",
			"logStream": "2023/11/06/[$LATEST]abc",
			"owner":     "123456789012",
		}, awsField["awslogs"])
	}
	assert.Equal(t, "hello", records[1][models.FieldMessage])
}

func TestParseAWSLogsCustomizedLambdaGroup(t *testing.T) {
	p := newProvider(t, Config{Tags: "env:prod"}, nil, nil)
	records, _ := parse(t, p, awslogsEvent(t, "/aws/vendedlogs/states/shared",
		"2023/11/06/Shared-Fn[$LATEST]13e304cba4b9446eb7ef082a00038990", "hi"))
	require.Len(t, records, 1)
	assert.Equal(t, "lambda", records[0][models.FieldSource])
	assert.Equal(t, map[string]any{"arn": "arn:aws:lambda:us-east-1:123456789012:function:shared-fn"}, records[0][models.FieldLambda])
	assert.NotContains(t, records[0][models.FieldTags], "env:none")
}

func TestParseAWSLogsLogGroupTags(t *testing.T) {
	logs := &fakeLogs{tags: map[string]map[string]string{
		"arn:aws:logs:us-east-1:123456789012:log-group:my-app": {"service": "Checkout", "team": "core"},
	}}
	p := newProvider(t, Config{}, newLayer(nil, logs), nil)
	records, _ := parse(t, p, awslogsEvent(t, "my-app", "stream", "x"))
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "cloudwatch", rec[models.FieldSource])
	assert.Equal(t, "checkout", rec[models.FieldService])
	assert.Equal(t, "my-app", rec[models.FieldHost])
	assert.Equal(t, "forwardername:forwarder,forwarder_version:1.0.0,service:checkout,team:core", rec[models.FieldTags])
}

func TestParseAWSLogsStepFunctions(t *testing.T) {
	tagging := &fakeTagging{byType: map[string][]rgtypes.ResourceTagMapping{
		"states": {tagMapping("arn:aws:states:us-east-1:123456789012:stateMachine:my-sm", "team", "flow")},
	}}
	p := newProvider(t, Config{StepFunctionsTraceEnabled: true}, newLayer(tagging, nil), nil)
	msg := `{"execution_arn":"arn:aws:states:us-east-1:123456789012:execution:my-sm:run-1","type":"ExecutionStarted"}`
	records, _ := parse(t, p, awslogsEvent(t, "/aws/vendedlogs/states/my-sm-Logs", "states/my-sm/2023-11-06/abc", msg))
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "stepfunction", rec[models.FieldSource])
	assert.Equal(t, "arn:aws:states:us-east-1:123456789012:stateMachine:my-sm", rec[models.FieldHost])
	assert.Contains(t, rec[models.FieldTags], "team:flow")
	assert.Contains(t, rec[models.FieldTags], "dd_step_functions_trace_enabled:true")
}

func TestParseAWSLogsHostRules(t *testing.T) {
	p := newProvider(t, Config{}, nil, nil)

	records, _ := parse(t, p, awslogsEvent(t, "/aws/appsync/apis/my-api", "s", "x"))
	assert.Equal(t, "my-api", records[0][models.FieldHost])

	records, _ = parse(t, p, awslogsEvent(t, "/aws/rds/instance/db-1/postgresql", "s", "x"))
	assert.Equal(t, "db-1", records[0][models.FieldHost])
	assert.Contains(t, records[0][models.FieldTags], "logname:postgresql")

	records, _ = parse(t, p, awslogsEvent(t, "/aws/verified-access/x", "s", `{"http_request":{"url":{"hostname":"app.example.com"}}}`))
	assert.Equal(t, "verified-access", records[0][models.FieldSource])
	assert.Equal(t, "app.example.com", records[0][models.FieldHost])

	records, _ = parse(t, p, awslogsEvent(t, "/aws/eks/prod/cluster", "kube-apiserver-audit-abc", "x"))
	assert.Equal(t, "kubernetes.audit", records[0][models.FieldSource])
	assert.Equal(t, "eks", records[0][models.FieldService])

	records, _ = parse(t, p, awslogsEvent(t, "some-group", "123456789012_CloudTrail_us-east-1", "x"))
	assert.Equal(t, "cloudtrail", records[0][models.FieldSource])
}

func TestParseAWSLogsCorrupt(t *testing.T) {
	p := newProvider(t, Config{}, nil, nil)
	records, kind := parse(t, p, json.RawMessage(`{"awslogs":{"data":"bm90IGd6aXBwZWQ="}}`))
	assert.Equal(t, EventAWSLogs, kind)
	require.Len(t, records, 1)
	assert.Contains(t, records[0][models.FieldMessage], "Error parsing the object")
}

func TestParseKinesis(t *testing.T) {
	first := base64.StdEncoding.EncodeToString(logsPayload(t, "/aws/lambda/a", "s", "a1", "a2"))
	second := base64.StdEncoding.EncodeToString(logsPayload(t, "/aws/codebuild/b", "s", "b1"))
	raw := json.RawMessage(fmt.Sprintf(`{"Records":[{"kinesis":{"data":%q}},{"kinesis":{"data":%q}}]}`, first, second))

	records, kind := parse(t, newProvider(t, Config{}, nil, nil), raw)
	assert.Equal(t, EventKinesis, kind)
	require.Len(t, records, 3)
	assert.Equal(t, []any{"a1", "a2", "b1"}, []any{records[0]["message"], records[1]["message"], records[2]["message"]})
	assert.Equal(t, "lambda", records[0][models.FieldSource])
	assert.Equal(t, "codebuild", records[2][models.FieldSource])
	assert.Nil(t, records[2][models.FieldLambda])
	assert.NotContains(t, records[2][models.FieldTags], "env:none")
}

func TestParseS3CloudTrail(t *testing.T) {
	key := "AWSLogs/123456789012/CloudTrail/us-east-1/2024/01/01/123456789012_cloudtrail_us-east-1_20240101T0000Z_abc.json.gz"
	trail := gz(t, []byte(`{"Records":[{"eventName":"PutObject"},{"eventName":"GetObject"},"junk"]}`))
	objects := &fakeObjects{objects: map[string][]byte{"trail-bucket/" + key: trail}}

	records, kind := parse(t, newProvider(t, Config{}, nil, objects), s3Event("trail-bucket", key))
	assert.Equal(t, EventS3, kind)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, "cloudtrail", rec[models.FieldSource])
		assert.Equal(t, "cloudtrail", rec[models.FieldService])
		s3 := rec[models.FieldAWS].(map[string]any)["s3"]
		assert.Equal(t, map[string]any{"bucket": "trail-bucket", "key": key}, s3)
	}
	assert.Equal(t, "GetObject", records[1]["eventName"])
}

func TestParseS3Lines(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{
		"logs/AWSLogs/1/elasticloadbalancing/app log.txt": []byte("first line\r\n\r\n  second line  \rthird\n"),
	}}
	records, _ := parse(t, newProvider(t, Config{}, nil, objects), s3Event("logs", "AWSLogs/1/elasticloadbalancing/app+log.txt"))
	require.Len(t, records, 3)
	assert.Equal(t, "first line", records[0]["message"])
	assert.Equal(t, "second line", records[1]["message"])
	assert.Equal(t, "third", records[2]["message"])
	assert.Equal(t, "elb", records[0][models.FieldSource])
	assert.Equal(t, "AWSLogs/1/elasticloadbalancing/app log.txt", records[0][models.FieldAWS].(map[string]any)["s3"].(map[string]any)["key"])
}

func TestParseS3GzipMagic(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{"b/k.log": gz(t, []byte("one\ntwo\n"))}}
	records, _ := parse(t, newProvider(t, Config{}, nil, objects), s3Event("b", "k.log"))
	require.Len(t, records, 2)
	assert.Equal(t, "two", records[1]["message"])
	assert.Equal(t, "s3", records[1][models.FieldSource])
}

func TestParseS3Multiline(t *testing.T) {
	body := "2024-01-01 start\n  at frame 1\n  at frame 2\n2024-01-02 next\n"
	objects := &fakeObjects{objects: map[string][]byte{"b/app.log": []byte(body)}}
	p := newProvider(t, Config{MultilinePattern: `\d{4}-\d{2}-\d{2}`}, nil, objects)

	records, _ := parse(t, p, s3Event("b", "app.log"))
	require.Len(t, records, 2)
	assert.Equal(t, "2024-01-01 start\n  at frame 1\n  at frame 2", records[0]["message"])
	assert.Equal(t, "2024-01-02 next\n", records[1]["message"])

	objects.objects["b/other.log"] = []byte("no date\nsecond\n")
	records, _ = parse(t, p, s3Event("b", "other.log"))
	require.Len(t, records, 2)
	assert.Equal(t, "no date", records[0]["message"])
}

func TestNewProviderRejectsBadMultiline(t *testing.T) {
	_, err := NewProvider(Config{MultilinePattern: "("}, nil, nil)
	assert.Error(t, err)
}

func TestParseS3ViaSNS(t *testing.T) {
	inner := string(s3Event("b", "k.log"))
	raw, err := json.Marshal(map[string]any{"Records": []any{map[string]any{"Sns": map[string]any{"Message": inner}}}})
	require.NoError(t, err)

	objects := &fakeObjects{objects: map[string][]byte{"b/k.log": []byte("hello")}}
	records, kind := parse(t, newProvider(t, Config{}, nil, objects), raw)
	assert.Equal(t, EventS3, kind)
	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0]["message"])
}

func TestParseS3BucketTags(t *testing.T) {
	tagging := &fakeTagging{byType: map[string][]rgtypes.ResourceTagMapping{
		"s3": {tagMapping("arn:aws:s3:::b", "service", "web")},
	}}
	objects := &fakeObjects{objects: map[string][]byte{"b/k.log": []byte("hello")}}
	p := newProvider(t, Config{Tags: "service:ignored"}, newLayer(tagging, nil), objects)

	records, _ := parse(t, p, s3Event("b", "k.log"))
	require.Len(t, records, 1)
	assert.Equal(t, "web", records[0][models.FieldService])
	assert.True(t, strings.HasPrefix(records[0][models.FieldTags].(string), "service:web,"))
	assert.NotContains(t, records[0][models.FieldTags], "service:ignored")
}

func TestParseS3ReadFailure(t *testing.T) {
	objects := &fakeObjects{err: errors.New("access denied")}
	records, _ := parse(t, newProvider(t, Config{}, nil, objects), s3Event("b", "k.log"))
	require.Len(t, records, 1)
	assert.Contains(t, records[0][models.FieldMessage], "access denied")
	assert.Equal(t, "s3", records[0][models.FieldSource])
}

func TestParseSNS(t *testing.T) {
	raw := json.RawMessage(`{"Records":[{"EventSource":"aws:sns","Sns":{"Message":"one"}},{"EventSource":"aws:sns","Sns":{"Message":"two"}}]}`)
	records, kind := parse(t, newProvider(t, Config{}, nil, nil), raw)
	assert.Equal(t, EventSNS, kind)
	require.Len(t, records, 2)
	assert.Equal(t, "sns", records[0][models.FieldSource])
	assert.Equal(t, map[string]any{"Message": "two"}, records[1]["Sns"])
}

func TestParseEvents(t *testing.T) {
	p := newProvider(t, Config{}, nil, nil)
	records, kind := parse(t, p, json.RawMessage(`{"source":"aws.guardduty","detail-type":"Finding","detail":{"id":"x"}}`))
	assert.Equal(t, EventEvents, kind)
	require.Len(t, records, 1)
	assert.Equal(t, "guardduty", records[0][models.FieldSource])
	assert.Equal(t, "guardduty", records[0][models.FieldService])
	assert.Equal(t, map[string]any{"id": "x"}, records[0]["detail"])

	records, _ = parse(t, p, json.RawMessage(`{"source":"custom","detail":{}}`))
	assert.Equal(t, "cloudwatch", records[0][models.FieldSource])
}
