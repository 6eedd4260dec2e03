package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/mosajjal/logshuttle/pkg/models"
	"github.com/mosajjal/logshuttle/pkg/provider"
)

var arnSeparators = regexp.MustCompile(`[:/\\]`)

// LogGroupARN builds the ARN of a log group in the forwarder's partition
// and region. owner wins over the forwarder's own account.
func LogGroupARN(invokedARN, owner, logGroup string) string {
	parts := strings.Split(invokedARN, ":")
	if len(parts) < 5 || logGroup == "" {
		return ""
	}
	account := owner
	if account == "" {
		account = parts[4]
	}
	return fmt.Sprintf("arn:%s:logs:%s:%s:log-group:%s", parts[1], parts[3], account, logGroup)
}

// logsSource derives the source from the group, then lets the stream name
// correct it for shared groups.
func logsSource(data events.CloudwatchLogsData) string {
	source := data.LogGroup
	if source == "" {
		source = SourceCloudWatch
	}
	// e.g. 123456779121_CloudTrail_us-east-1
	if strings.Contains(data.LogStream, "_CloudTrail_") {
		source = SourceCloudTrail
	}
	if strings.Contains(data.LogStream, "tgw-attach") {
		source = SourceTransitGateway
	}
	if strings.Contains(data.LogStream, "aws/bedrock/modelinvocations") {
		source = SourceBedrock
	}
	source = CloudWatchSource(source)

	if IsLambdaStream(data.LogStream) {
		source = SourceLambda
	}
	if IsStepFunctionsStream(data.LogStream) {
		source = SourceStepFunction
	}
	return source
}

func (p *Provider) logsStream(ctx context.Context, decoded []byte, exec models.ExecutionContext, base models.Metadata) provider.Stream {
	data, err := parseLogsData(decoded)
	if err != nil {
		return provider.Slice(provider.Failed(err, base))
	}

	meta := base.Clone()
	meta.SetSource(logsSource(data))

	groupARN := LogGroupARN(exec.InvokedFunctionARN, data.Owner, data.LogGroup)
	if t := lookup(ctx, p.tags.LogGroup, groupARN); len(t) > 0 {
		meta.AddTags(t...)
	}
	addServiceTag(meta)
	p.setHost(ctx, meta, data)

	var lambdaARN string
	switch meta.Source() {
	case SourceLambda:
		lambdaARN = lambdaLogs(meta, data, exec.InvokedFunctionARN)
	case SourceEKS:
		meta.SetSource(EKSSource(data.LogStream))
	}

	i := 0
	return provider.Func(func(context.Context) (provider.Fragment, error) {
		if i >= len(data.LogEvents) {
			return provider.Fragment{}, io.EOF
		}
		e := data.LogEvents[i]
		i++
		fields := map[string]any{
			"id":                e.ID,
			"timestamp":         e.Timestamp,
			models.FieldMessage: e.Message,
			models.FieldAWS: map[string]any{
				"awslogs": map[string]any{
					"logGroup":  data.LogGroup,
					"logStream": data.LogStream,
					"owner":     data.Owner,
				},
			},
		}
		if lambdaARN != "" {
			fields[models.FieldLambda] = map[string]any{"arn": lambdaARN}
		}
		return provider.Fragment{Fields: fields, Metadata: meta}, nil
	})
}

func (p *Provider) setHost(ctx context.Context, meta models.Metadata, data events.CloudwatchLogsData) {
	if _, ok := meta[models.FieldHost]; !ok {
		meta.SetHost(data.LogGroup)
	}

	switch meta.Source() {
	case SourceCloudWatch:
		meta.SetHost(data.LogGroup)
	case SourceAppSync:
		parts := strings.Split(data.LogGroup, "/")
		meta.SetHost(parts[len(parts)-1])
	case SourceVerifiedAccess:
		if host := verifiedAccessHost(data.LogEvents); host != "" {
			meta.SetHost(host)
		}
	case SourceStepFunction:
		p.stepFunctionHost(ctx, meta, data.LogEvents)
	case SourceRDS, "mariadb", "mysql":
		// /aws/rds/instance/<host>/<log name>
		if m := rdsLogGroup.FindStringSubmatch(data.LogGroup); m != nil {
			meta.SetHost(m[rdsLogGroup.SubexpIndex("host")])
			meta.AddTags("logname:" + m[rdsLogGroup.SubexpIndex("name")])
		}
	}
}

func firstMessage(logEvents []events.CloudwatchLogsLogEvent, into any) error {
	if len(logEvents) == 0 {
		return errors.New("no log events")
	}
	return json.Unmarshal([]byte(logEvents[0].Message), into)
}

func verifiedAccessHost(logEvents []events.CloudwatchLogsLogEvent) string {
	var msg struct {
		HTTPRequest struct {
			URL struct {
				Hostname string `json:"hostname"`
			} `json:"url"`
		} `json:"http_request"`
	}
	if err := firstMessage(logEvents, &msg); err != nil {
		slog.Debug("unable to set verified-access log host", "error", err)
		return ""
	}
	return msg.HTTPRequest.URL.Hostname
}

// StateMachineARN rebuilds the state machine ARN from an execution ARN.
func StateMachineARN(executionARN string) string {
	tokens := arnSeparators.Split(executionARN, -1)
	if len(tokens) < 6 {
		return ""
	}
	tokens[5] = "stateMachine"
	return strings.Join(tokens[:min(7, len(tokens))], ":")
}

func (p *Provider) stepFunctionHost(ctx context.Context, meta models.Metadata, logEvents []events.CloudwatchLogsLogEvent) {
	var msg struct {
		ExecutionARN string `json:"execution_arn"`
	}
	if err := firstMessage(logEvents, &msg); err != nil {
		slog.Debug("unable to get state machine arn", "error", err)
		return
	}
	arn := StateMachineARN(msg.ExecutionARN)
	if arn == "" {
		return
	}

	meta.SetHost(arn)
	if t := lookup(ctx, p.tags.StepFunctions, arn); len(t) > 0 {
		meta.AddTags(t...)
	}
	if p.cfg.StepFunctionsTraceEnabled {
		meta.AddTags("dd_step_functions_trace_enabled:true")
	}
}

// lambdaLogs returns the lowercased ARN of the function that wrote the logs
// and defaults env to none.
func lambdaLogs(meta models.Metadata, data events.CloudwatchLogsData, invokedARN string) string {
	name, ok := LambdaNameFromStream(data.LogStream)
	if !ok {
		parts := strings.Split(data.LogGroup, "/lambda/")
		if len(parts) < 2 {
			return ""
		}
		name = parts[1]
	}

	prefix, _, _ := strings.Cut(invokedARN, "function:")
	arn := prefix + "function:" + strings.ToLower(name)

	t := meta.Tags()
	if !strings.HasPrefix(t, "env:") && !strings.Contains(t, ",env:") {
		meta.AddTags("env:none")
	}
	return arn
}
