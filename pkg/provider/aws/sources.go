package aws

import (
	"regexp"
	"strings"
)

// Sources assigned to records.
const (
	SourceAWS            = "aws"
	SourceAppSync        = "appsync"
	SourceBedrock        = "bedrock"
	SourceCloudTrail     = "cloudtrail"
	SourceCloudWatch     = "cloudwatch"
	SourceEKS            = "eks"
	SourceLambda         = "lambda"
	SourceRDS            = "rds"
	SourceS3             = "s3"
	SourceSNS            = "sns"
	SourceStepFunction   = "stepfunction"
	SourceTransitGateway = "transitgateway"
	SourceVerifiedAccess = "verified-access"
)

var (
	cloudTrailKey = regexp.MustCompile(`(?i)\d+_CloudTrail(|-Digest|-Insight)_\w{2}(|-gov|-cn)-\w{4,9}-\d_(|.+)\d{8}T\d{4,6}Z(|.+).json.gz$`)

	// e.g. 2023/11/06/test-customized-log-group1[$LATEST]13e304cba4b9446eb7ef082a00038990
	lambdaStreamName = regexp.MustCompile(`^[0-9]{4}\/[01][0-9]\/[0-3][0-9]\/[0-9a-zA-Z_.-]{1,75}\[(?:\$LATEST|[0-9A-Za-z_-]{1,129})\][0-9a-f]{32}$`)

	rdsLogGroup = regexp.MustCompile(`/aws/rds/(instance|cluster)/(?P<host>[^/]+)/(?P<name>[^/]+)`)
)

type rule struct {
	match  string
	source string
}

// Log group prefixes, checked in order against the lowercased group.
// CloudTrail groups are found by the substring list instead.
var cloudWatchPrefixes = []rule{
	{"api-gateway", "apigateway"},
	{"/aws/api-gateway", "apigateway"},
	{"/aws/http-api", "apigateway"},
	{"/aws/apigateway", "apigateway"},
	{"/aws/appsync", SourceAppSync},
	{"aws/bedrock/modelinvocations", SourceBedrock},
	{"/aws/codebuild", "codebuild"},
	{"dms-tasks", "dms"},
	{"/aws/docdb", "docdb"},
	{"/aws/eks", SourceEKS},
	{"/aws/fsx/windows", "aws.fsx"},
	{"/aws/kinesis", "kinesis"},
	{"/aws/lambda", SourceLambda},
	{"/aws/rds", SourceRDS},
	{"sns/", SourceSNS},
	{"/aws/vendedlogs/states", SourceStepFunction},
	{"tgw-attach", SourceTransitGateway},
}

// Substrings that must appear somewhere in the log group.
var cloudWatchSubstrings = []string{
	"network-firewall",
	"route53",
	"vpc",
	"fargate",
	SourceCloudTrail,
	"msk",
	"elasticsearch",
	SourceTransitGateway,
	SourceBedrock,
	SourceVerifiedAccess,
}

// Key keywords for S3 objects, checked in order against the lowercased key.
var s3Keywords = []rule{
	{"bedrock", SourceBedrock},
	// carbon-black-cloud-forwarder/alerts/org_key=*****/year=2021/...
	{"carbon-black", "carbonblack"},
	{"amazon_codebuild", "codebuild"},
	{"cloudfront", "cloudfront"},
	{"amazon_dms", "dms"},
	{"amazon_documentdb", "docdb"},
	// AWSLogs/123456779121/elasticloadbalancing/us-east-1/2020/10/02/...
	{"elasticloadbalancing", "elb"},
	{"amazon_kinesis", "kinesis"},
	{"amazon_msk", "msk"},
	{"network-firewall", "network-firewall"},
	{"_redshift_", "redshift"},
	{"vpcdnsquerylogs", "route53"},
	{"transit-gateway", SourceTransitGateway},
	{"verified-access", SourceVerifiedAccess},
	{"vpcflowlogs", "vpc"},
	{"aws-waf-logs", "waf"},
	{"waflogs", "waf"},
}

// IsCloudTrail reports whether an object key is a CloudTrail delivery file.
func IsCloudTrail(key string) bool {
	return cloudTrailKey.MatchString(key)
}

// CloudWatchSource maps a log group (or a pre-derived source) to a source.
func CloudWatchSource(logGroup string) string {
	lower := strings.ToLower(logGroup)
	for _, r := range cloudWatchPrefixes {
		if !strings.HasPrefix(lower, r.match) {
			continue
		}
		if r.source == SourceRDS {
			// e.g. /aws/rds/instance/my-mariadb/error
			for _, engine := range []string{"mariadb", "mysql"} {
				if strings.Contains(lower, engine) {
					return engine
				}
			}
		}
		return r.source
	}
	for _, s := range cloudWatchSubstrings {
		if strings.Contains(lower, s) {
			return s
		}
	}
	return SourceCloudWatch
}

// S3Source maps an object key to a source. CloudTrail files win over every
// keyword so that e.g. "waf" inside a CloudTrail file name is ignored.
func S3Source(key string) string {
	lower := strings.ToLower(key)
	if IsCloudTrail(lower) {
		return SourceCloudTrail
	}
	for _, r := range s3Keywords {
		if strings.Contains(lower, r.match) {
			return r.source
		}
	}
	return SourceS3
}

// IsLambdaStream reports whether a log stream follows the Lambda naming
// scheme, which identifies Lambda logs in a custom log group.
func IsLambdaStream(stream string) bool {
	return lambdaStreamName.MatchString(stream)
}

// LambdaNameFromStream extracts the function name from a Lambda log stream.
func LambdaNameFromStream(stream string) (string, bool) {
	if !IsLambdaStream(stream) {
		return "", false
	}
	open := strings.Index(stream, "[")
	slash := strings.LastIndex(stream[:open], "/")
	return stream[slash+1 : open], true
}

// IsStepFunctionsStream reports whether a log stream belongs to a state machine.
func IsStepFunctionsStream(stream string) bool {
	return strings.HasPrefix(stream, "states/")
}

var eksStreams = []rule{
	{"kube-apiserver-audit-", "kubernetes.audit"},
	{"kube-scheduler-", "kube_scheduler"},
	{"kube-apiserver-", "kube-apiserver"},
	{"kube-controller-manager-", "kube-controller-manager"},
	{"authenticator-", "aws-iam-authenticator"},
}

// EKSSource maps an EKS control plane stream to its component source.
func EKSSource(stream string) string {
	for _, r := range eksStreams {
		if strings.HasPrefix(stream, r.match) {
			return r.source
		}
	}
	return SourceEKS
}
