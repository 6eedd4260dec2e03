// Package config reads the forwarder settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/mosajjal/logshuttle/pkg/scrub"
)

// ForwarderVersion is reported in tags and intake headers.
const ForwarderVersion = "3.20.0"

// Transports.
const (
	TransportHTTP = "http"
	TransportTCP  = "tcp"
	TransportHEC  = "hec"
)

const (
	defaultSite     = "datadoghq.com"
	euSite          = "datadoghq.eu"
	secretARNPrefix = "arn:aws:secretsmanager:"
)

// ErrMissingAPIKey is returned when no API key could be resolved.
var ErrMissingAPIKey = errors.New("you must configure your API key using DD_API_KEY or DD_API_KEY_SECRET_ARN")

// Config holds every setting. Fields tagged arg:"-" are derived by Load.
type Config struct {
	Region string `arg:"env:AWS_REGION" default:"us-east-1"`

	// static keys for the S3 buckets; the execution role is used when unset
	AccessKeyID     string `arg:"env:S3_ACCESS_KEY_ID"`
	AccessKeySecret string `arg:"env:S3_ACCESS_KEY_SECRET"`

	APIKey          string `arg:"env:DD_API_KEY"`
	APIKeySecretARN string `arg:"env:DD_API_KEY_SECRET_ARN"`
	Site            string `arg:"env:DD_SITE" default:"datadoghq.com"`
	URL             string `arg:"env:DD_URL"`
	Port            int    `arg:"env:DD_PORT"`
	APIURL          string `arg:"env:DD_API_URL"`
	TraceIntakeURL  string `arg:"env:DD_TRACE_INTAKE_URL"`
	UsePrivateLink  bool   `arg:"env:DD_USE_PRIVATE_LINK"`

	Transport         string `arg:"env:DD_TRANSPORT" default:"http" help:"http, tcp or hec"`
	UseTCP            bool   `arg:"env:DD_USE_TCP"`
	NoSSL             bool   `arg:"env:DD_NO_SSL"`
	SkipSSLValidation bool   `arg:"env:DD_SKIP_SSL_VALIDATION"`
	UseCompression    bool   `arg:"env:DD_USE_COMPRESSION" default:"true"`
	CompressionLevel  int    `arg:"env:DD_COMPRESSION_LEVEL" default:"6"`
	MaxWorkers        int    `arg:"env:DD_MAX_WORKERS" default:"20"`
	MaxBackoffSeconds int    `arg:"env:DD_MAX_BACKOFF" default:"30"`
	// SendReserve is kept free before the invocation deadline for storing failures
	SendReserve time.Duration `arg:"env:DD_SEND_RESERVE" default:"3s"`

	ForwardLog       bool   `arg:"env:DD_FORWARD_LOG" default:"true"`
	Tags             string `arg:"env:DD_TAGS"`
	Source           string `arg:"env:DD_SOURCE"`
	MultilinePattern string `arg:"env:DD_MULTILINE_LOG_REGEX_PATTERN"`

	RedactIP                 bool   `arg:"env:REDACT_IP"`
	RedactEmail              bool   `arg:"env:REDACT_EMAIL"`
	ScrubbingRule            string `arg:"env:DD_SCRUBBING_RULE"`
	ScrubbingRuleReplacement string `arg:"env:DD_SCRUBBING_RULE_REPLACEMENT" default:"xxxxx"`

	S3BucketName              string `arg:"env:DD_S3_BUCKET_NAME"`
	UseVPC                    bool   `arg:"env:DD_USE_VPC"`
	TagsCacheTTLSeconds       int    `arg:"env:DD_TAGS_CACHE_TTL_SECONDS" default:"300"`
	CacheLockTTLSeconds       int    `arg:"env:DD_S3_CACHE_LOCK_TTL_SECONDS" default:"60"`
	FetchLambdaTags           bool   `arg:"env:DD_FETCH_LAMBDA_TAGS"`
	FetchLogGroupTags         bool   `arg:"env:DD_FETCH_LOG_GROUP_TAGS"`
	FetchStepFunctionsTags    bool   `arg:"env:DD_FETCH_STEP_FUNCTIONS_TAGS"`
	FetchS3Tags               bool   `arg:"env:DD_FETCH_S3_TAGS"`
	StepFunctionsTraceEnabled bool   `arg:"env:DD_STEP_FUNCTIONS_TRACE_ENABLED"`

	StoreFailedEvents       bool   `arg:"env:DD_STORE_FAILED_EVENTS"`
	SQSQueueURL             string `arg:"env:DD_SQS_QUEUE_URL"`
	RetryPath               string `arg:"env:DD_RETRY_PATH" default:"failed_events"`
	AdditionalTargetLambdas string `arg:"env:DD_ADDITIONAL_TARGET_LAMBDAS"`
	ArchiveURL              string `arg:"env:DD_ARCHIVE_URL" help:"example: https://YOURBUCKET.s3.ap-southeast-2.amazonaws.com/YOURFOLDER/"`

	HECEndpoints     []string `arg:"env:HEC_ENDPOINTS"`
	HECToken         string   `arg:"env:HEC_TOKEN"`
	HECIndex         string   `arg:"env:HEC_INDEX" default:"main"`
	HECTLSSkipVerify bool     `arg:"env:HEC_TLS_SKIP_VERIFY"`
	HECBalance       string   `arg:"env:HEC_BALANCE" default:"roundrobin"`
	HECProxy         string   `arg:"env:HEC_PROXY"`
	HECChannelID     string   `arg:"env:HEC_CHANNEL_ID"`
	HECSourceType    string   `arg:"env:HEC_SOURCETYPE" default:"aws:cloudwatch"`

	LogLevel string `arg:"env:DD_LOG_LEVEL" default:"info"`

	Include        *string      `arg:"-"`
	Exclude        *string      `arg:"-"`
	ScrubbingRules []scrub.Rule `arg:"-"`
}

// Load parses the environment and derives the dependent settings.
func Load() (*Config, error) {
	cfg := &Config{}
	p, err := arg.NewParser(arg.Config{Program: "logshuttle"}, cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Parse(nil); err != nil {
		return nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is Load for process start; a bad configuration ends the process.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	return cfg
}

func (c *Config) scheme() string {
	if c.NoSSL {
		return "http"
	}
	return "https"
}

func (c *Config) finalize() error {
	if c.UseTCP {
		c.Transport = TransportTCP
	}
	c.Transport = strings.ToLower(c.Transport)
	switch c.Transport {
	case TransportHTTP, TransportTCP, TransportHEC:
	default:
		return fmt.Errorf("unknown DD_TRANSPORT %q", c.Transport)
	}

	if c.UsePrivateLink {
		slog.Debug("private link enabled, overriding configuration settings")
		c.Site = defaultSite
		c.Transport = TransportHTTP
		c.NoSSL = false
		c.Port = 443
		c.URL = "api-pvtlink.logs.datadoghq.com"
		c.APIURL = "https://pvtlink.api.datadoghq.com"
		c.TraceIntakeURL = "https://trace-pvtlink.agent.datadoghq.com"
	}

	switch c.Transport {
	case TransportTCP:
		if c.URL == "" {
			c.URL = "lambda-intake.logs." + c.Site
		}
		if c.Port == 0 {
			c.Port = 10516
			if c.Site == euSite {
				c.Port = 443
			}
		}
	case TransportHTTP:
		if c.URL == "" {
			c.URL = "lambda-http-intake.logs." + c.Site
		}
		if c.Port == 0 {
			c.Port = 443
		}
	case TransportHEC:
		if len(c.HECEndpoints) == 0 {
			return errors.New("HEC_ENDPOINTS is required with the hec transport")
		}
	}
	if c.APIURL == "" {
		c.APIURL = fmt.Sprintf("%s://api.%s", c.scheme(), c.Site)
	}
	if c.TraceIntakeURL == "" {
		c.TraceIntakeURL = fmt.Sprintf("%s://trace.agent.%s", c.scheme(), c.Site)
	}

	c.CompressionLevel = max(0, min(9, c.CompressionLevel))
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}

	if v, ok := os.LookupEnv("INCLUDE_AT_MATCH"); ok {
		if v == "" {
			return errors.New("no pattern provided: add a pattern or remove the INCLUDE_AT_MATCH environment variable")
		}
		c.Include = &v
	}
	if v, ok := os.LookupEnv("EXCLUDE_AT_MATCH"); ok {
		if v == "" {
			return errors.New("no pattern provided: add a pattern or remove the EXCLUDE_AT_MATCH environment variable")
		}
		c.Exclude = &v
	}

	c.ScrubbingRules = nil
	if c.RedactIP {
		c.ScrubbingRules = append(c.ScrubbingRules, scrub.IPRule())
	}
	if c.RedactEmail {
		c.ScrubbingRules = append(c.ScrubbingRules, scrub.EmailRule())
	}
	if c.ScrubbingRule != "" {
		c.ScrubbingRules = append(c.ScrubbingRules, scrub.Rule{
			Name:        "DD_SCRUBBING_RULE",
			Pattern:     c.ScrubbingRule,
			Replacement: c.ScrubbingRuleReplacement,
		})
	}
	return nil
}

// IntakeURL is the request transport's log endpoint.
func (c *Config) IntakeURL() string {
	return fmt.Sprintf("%s://%s:%d/api/v2/logs", c.scheme(), c.URL, c.Port)
}

// MaxBackoff caps the retry wait.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// TagsCacheTTL is the tag cache freshness window.
func (c *Config) TagsCacheTTL() time.Duration {
	return time.Duration(c.TagsCacheTTLSeconds) * time.Second
}

// CacheLockTTL is how long a refresh lock is honoured.
func (c *Config) CacheLockTTL() time.Duration {
	return time.Duration(c.CacheLockTTLSeconds) * time.Second
}

// SecretsAPI is the part of the Secrets Manager client used for secrets.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

func resolveSecret(ctx context.Context, client SecretsAPI, value string) (string, error) {
	if !strings.HasPrefix(value, secretARNPrefix) {
		return value, nil
	}
	if client == nil {
		return "", fmt.Errorf("no secrets manager client to resolve %s", value)
	}
	slog.Debug("fetching secret from AWS Secrets Manager", "arn", value)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(value)})
	if err != nil {
		return "", fmt.Errorf("failed to get secret from Secrets Manager: %w", err)
	}
	return aws.ToString(out.SecretString), nil
}

// ResolveSecrets replaces secret ARNs in the API key and the HEC token with
// their values. The API key is required unless the HEC transport is used.
func (c *Config) ResolveSecrets(ctx context.Context, client SecretsAPI) error {
	key := c.APIKey
	if c.APIKeySecretARN != "" {
		key = c.APIKeySecretARN
	}
	key, err := resolveSecret(ctx, client, key)
	if err != nil {
		return err
	}
	c.APIKey = strings.TrimSpace(key)
	if c.APIKey == "" && c.Transport != TransportHEC {
		return ErrMissingAPIKey
	}

	token, err := resolveSecret(ctx, client, c.HECToken)
	if err != nil {
		return err
	}
	c.HECToken = strings.TrimSpace(token)
	return nil
}
