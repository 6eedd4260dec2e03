package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mosajjal/logshuttle/pkg/app"
	"github.com/mosajjal/logshuttle/pkg/batch"
	"github.com/mosajjal/logshuttle/pkg/cache"
	"github.com/mosajjal/logshuttle/pkg/config"
	"github.com/mosajjal/logshuttle/pkg/delivery"
	"github.com/mosajjal/logshuttle/pkg/enrich"
	"github.com/mosajjal/logshuttle/pkg/fanout"
	"github.com/mosajjal/logshuttle/pkg/filter"
	"github.com/mosajjal/logshuttle/pkg/forwarder"
	"github.com/mosajjal/logshuttle/pkg/hec"
	"github.com/mosajjal/logshuttle/pkg/logging"
	"github.com/mosajjal/logshuttle/pkg/models"
	awsprovider "github.com/mosajjal/logshuttle/pkg/provider/aws"
	"github.com/mosajjal/logshuttle/pkg/retry"
	"github.com/mosajjal/logshuttle/pkg/scrub"
	"github.com/mosajjal/logshuttle/pkg/storage"
	"github.com/mosajjal/logshuttle/pkg/storage/memory"
	s3storage "github.com/mosajjal/logshuttle/pkg/storage/s3"
	"github.com/mosajjal/logshuttle/pkg/telemetry"
)

const scrubTimeout = time.Second

var handler *app.App

func loadAWSConfig(ctx context.Context, cfg *config.Config) (awssdk.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.AccessKeySecret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func intakeHeaders() map[string]string {
	return map[string]string{
		"DD-EVP-ORIGIN":         "aws_forwarder",
		"DD-EVP-ORIGIN-VERSION": config.ForwarderVersion,
	}
}

// logTransport picks the log intake transport and its batch bounds.
func logTransport(cfg *config.Config, scrubber *scrub.Scrubber) (delivery.Transport, batch.Batcher, error) {
	switch cfg.Transport {
	case config.TransportTCP:
		return delivery.NewTCPTransport(delivery.TCPConfig{
			Host:     cfg.URL,
			Port:     cfg.Port,
			NoSSL:    cfg.NoSSL,
			APIKey:   cfg.APIKey,
			Scrubber: scrubber,
		}), forwarder.TCPBatcher, nil
	case config.TransportHEC:
		c, err := hec.NewClient(hec.Config{
			Endpoints:       cfg.HECEndpoints,
			TLSSkipVerify:   cfg.HECTLSSkipVerify,
			Proxy:           cfg.HECProxy,
			Token:           cfg.HECToken,
			ChannelID:       cfg.HECChannelID,
			Index:           cfg.HECIndex,
			SourceType:      cfg.HECSourceType,
			BalanceStrategy: cfg.HECBalance,
			Scrubber:        scrubber,
		})
		return c, forwarder.HTTPBatcher, err
	default:
		return delivery.NewHTTPTransport(delivery.HTTPConfig{
			URL:               cfg.IntakeURL(),
			APIKey:            cfg.APIKey,
			Headers:           intakeHeaders(),
			Compress:          cfg.UseCompression,
			CompressionLevel:  cfg.CompressionLevel,
			SkipSSLValidation: cfg.SkipSSLValidation,
			Scrubber:          scrubber,
		}, nil), forwarder.HTTPBatcher, nil
	}
}

func init() {
	ctx := context.Background()
	cfg := config.MustLoad()
	logging.Init(cfg.LogLevel)

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("Unable to load AWS config: %v", err)
	}
	if err := cfg.ResolveSecrets(ctx, secretsmanager.NewFromConfig(awsCfg)); err != nil {
		log.Fatalf("Unable to resolve secrets: %v", err)
	}

	s3Client := s3storage.NewClient(awsCfg, cfg.UseVPC)

	// without a bucket the tag cache lives only as long as this process
	var shared storage.ObjectStore = memory.New()
	var bucket storage.ObjectStore
	if cfg.S3BucketName != "" {
		st, err := s3storage.NewStorage(storage.StorageConfig{Bucket: cfg.S3BucketName, UsePathStyle: cfg.UseVPC}, s3Client)
		if err != nil {
			log.Fatalf("Failed to setup cache storage: %v", err)
		}
		shared, bucket = st, st
	}

	layer := cache.NewLayer(shared, cache.LayerConfig{
		FetchLambda:        cfg.FetchLambdaTags,
		FetchS3:            cfg.FetchS3Tags,
		FetchStepFunctions: cfg.FetchStepFunctionsTags,
		FetchLogGroup:      cfg.FetchLogGroupTags,
		Tagging:            resourcegroupstaggingapi.NewFromConfig(awsCfg),
		Logs:               cloudwatchlogs.NewFromConfig(awsCfg),
		Options:            cache.Options{TTL: cfg.TagsCacheTTL(), LockTTL: cfg.CacheLockTTL()},
	})
	layer.SetPrefix(lambdacontext.FunctionName)
	layer.Warm(ctx)

	p, err := awsprovider.NewProvider(awsprovider.Config{
		Tags:                      cfg.Tags,
		CustomSource:              cfg.Source,
		ForwarderVersion:          config.ForwarderVersion,
		MultilinePattern:          cfg.MultilinePattern,
		StepFunctionsTraceEnabled: cfg.StepFunctionsTraceEnabled,
	}, layer, s3storage.NewReader(s3Client))
	if err != nil {
		log.Fatalf("Failed to create AWS provider: %v", err)
	}

	scrubber, err := scrub.New(cfg.ScrubbingRules, scrubTimeout)
	if err != nil {
		log.Fatalf("Failed to compile scrubbing rules: %v", err)
	}
	matcher, err := filter.New(cfg.Include, cfg.Exclude)
	if err != nil {
		log.Fatalf("Failed to compile filtering rules: %v", err)
	}

	logsTransport, batcher, err := logTransport(cfg, scrubber)
	if err != nil {
		log.Fatalf("Failed to create log transport: %v", err)
	}
	metricsTransport := delivery.NewHTTPTransport(delivery.HTTPConfig{
		URL:               cfg.APIURL + forwarder.DistributionPointsPath,
		APIKey:            cfg.APIKey,
		Headers:           intakeHeaders(),
		Compress:          cfg.UseCompression,
		CompressionLevel:  cfg.CompressionLevel,
		SkipSSLValidation: cfg.SkipSSLValidation,
		Envelope:          delivery.Series,
	}, nil)
	tracesTransport := delivery.NewHTTPTransport(delivery.HTTPConfig{
		URL:               cfg.TraceIntakeURL + forwarder.TracesPath,
		APIKey:            cfg.APIKey,
		Headers:           intakeHeaders(),
		SkipSSLValidation: cfg.SkipSSLValidation,
	}, nil)

	functionPrefix := strings.ToLower(lambdacontext.FunctionName)
	backends := retry.Backends{Bucket: bucket, Root: cfg.RetryPath}
	if cfg.SQSQueueURL != "" {
		backends.QueueURL = cfg.SQSQueueURL
		backends.SQS = sqs.NewFromConfig(awsCfg)
	}
	store, err := retry.New(backends, functionPrefix)
	if errors.Is(err, retry.ErrNoBackend) {
		slog.Debug("no retry backend configured")
	}

	var archive storage.Archiver
	if cfg.ArchiveURL != "" {
		st, err := s3storage.NewStorage(storage.StorageConfig{URL: cfg.ArchiveURL, UsePathStyle: cfg.UseVPC}, s3Client)
		if err != nil {
			slog.Error("failed to setup archive storage", "error", err)
		} else {
			archive = st
		}
	}

	reader := telemetry.NewLogReader()
	recorder := telemetry.New(reader.Provider,
		attribute.String("forwardername", functionPrefix),
		attribute.String("forwarder_version", config.ForwarderVersion),
	)

	fwd := forwarder.New(forwarder.Config{
		Logs:        delivery.NewClient(logsTransport, cfg.MaxBackoff()),
		Metrics:     delivery.NewClient(metricsTransport, cfg.MaxBackoff()),
		Traces:      delivery.NewClient(tracesTransport, cfg.MaxBackoff()),
		Batcher:     batcher,
		Workers:     cfg.MaxWorkers,
		Matcher:     matcher,
		Archive:     archive,
		Store:       store,
		StoreFailed: cfg.StoreFailedEvents,
		ForwardLogs: cfg.ForwardLog,
		Telemetry:   recorder,
	})

	handler, err = app.New(app.Config{
		Layer:       layer,
		Provider:    p,
		Enricher:    enrich.New(layer.Lambda),
		Forwarder:   fwd,
		Fanout:      fanout.New(lambdasvc.NewFromConfig(awsCfg), fanout.ParseTargets(cfg.AdditionalTargetLambdas)),
		Telemetry:   recorder,
		Flusher:     reader,
		SendReserve: cfg.SendReserve,
	})
	if err != nil {
		log.Fatalf("Failed to create forwarder: %v", err)
	}

	slog.Info("forwarder initialized", "transport", cfg.Transport, "version", config.ForwarderVersion)
}

// HandleRequest is the Lambda entry point.
func HandleRequest(ctx context.Context, event json.RawMessage) error {
	exec := models.ExecutionContext{
		FunctionName:    lambdacontext.FunctionName,
		FunctionVersion: lambdacontext.FunctionVersion,
		MemoryLimitMB:   lambdacontext.MemoryLimitInMB,
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		exec.InvokedFunctionARN = lc.InvokedFunctionArn
		exec.RequestID = lc.AwsRequestID
	}
	return handler.Handle(ctx, event, exec)
}

func main() {
	lambda.Start(HandleRequest)
}
