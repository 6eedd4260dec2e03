package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	rgtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"

	"github.com/mosajjal/logshuttle/pkg/tags"
)

// TaggingAPI is the subset of the resource groups tagging client used here.
type TaggingAPI interface {
	GetResources(ctx context.Context, params *resourcegroupstaggingapi.GetResourcesInput, optFns ...func(*resourcegroupstaggingapi.Options)) (*resourcegroupstaggingapi.GetResourcesOutput, error)
}

// LogsAPI is the subset of the CloudWatch Logs client used here.
type LogsAPI interface {
	ListTagsForResource(ctx context.Context, params *cloudwatchlogs.ListTagsForResourceInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.ListTagsForResourceOutput, error)
}

const resourcesPerPage = 100

func formatMapping(m rgtypes.ResourceTagMapping) []string {
	out := make([]string, 0, len(m.Tags))
	for _, t := range m.Tags {
		out = append(out, tags.Format(aws.ToString(t.Key), aws.ToString(t.Value)))
	}
	return out
}

// BulkByResourceType lists every resource of resourceType with its tags,
// keyed by lowercased ARN. A failing page stops the listing and returns the
// pages gathered so far along with the error.
func BulkByResourceType(client TaggingAPI, resourceType string) BulkFetcher {
	return func(ctx context.Context) (Tags, error) {
		out := Tags{}
		p := resourcegroupstaggingapi.NewGetResourcesPaginator(client, &resourcegroupstaggingapi.GetResourcesInput{
			ResourceTypeFilters: []string{resourceType},
			ResourcesPerPage:    aws.Int32(resourcesPerPage),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return out, fmt.Errorf("failed to list %s tags: %w", resourceType, err)
			}
			for _, m := range page.ResourceTagMappingList {
				arn := strings.ToLower(aws.ToString(m.ResourceARN))
				out[arn] = append(out[arn], formatMapping(m)...)
			}
		}
		return out, nil
	}
}

// PointByARN fetches the tags of one resource from the tagging API.
func PointByARN(client TaggingAPI) PointFetcher {
	return func(ctx context.Context, arn string) ([]string, error) {
		resp, err := client.GetResources(ctx, &resourcegroupstaggingapi.GetResourcesInput{
			ResourceARNList: []string{arn},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get tags for %s: %w", arn, err)
		}
		if len(resp.ResourceTagMappingList) == 0 {
			return []string{}, nil
		}
		return formatMapping(resp.ResourceTagMappingList[0]), nil
	}
}

// LogGroupTags fetches the tags of a log group by its ARN.
func LogGroupTags(client LogsAPI) PointFetcher {
	return func(ctx context.Context, arn string) ([]string, error) {
		resp, err := client.ListTagsForResource(ctx, &cloudwatchlogs.ListTagsForResourceInput{
			ResourceArn: aws.String(arn),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get log group tags for %s: %w", arn, err)
		}
		return tags.FromMap(resp.Tags), nil
	}
}
