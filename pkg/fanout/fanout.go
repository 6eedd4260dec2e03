// Package fanout copies the raw invocation payload to additional functions.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// LambdaAPI is the part of the Lambda client the invoker uses.
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Invoker sends each payload asynchronously to every target.
type Invoker struct {
	client  LambdaAPI
	targets []string
}

// ParseTargets splits a comma separated ARN list, ignoring blanks.
func ParseTargets(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// New returns an Invoker, or nil when there are no targets.
func New(client LambdaAPI, targets []string) *Invoker {
	if client == nil || len(targets) == 0 {
		return nil
	}
	return &Invoker{client: client, targets: targets}
}

// Invoke sends raw to every target. Failures are logged. A nil Invoker does
// nothing.
func (i *Invoker) Invoke(ctx context.Context, raw json.RawMessage) {
	if i == nil {
		return
	}
	for _, target := range i.targets {
		_, err := i.client.Invoke(ctx, &lambda.InvokeInput{
			FunctionName:   aws.String(target),
			InvocationType: types.InvocationTypeEvent,
			Payload:        raw,
		})
		if err != nil {
			slog.Error("failed to invoke additional target lambda", "target", target, "error", err)
			continue
		}
		slog.Debug("invoked additional target lambda", "target", target)
	}
}
