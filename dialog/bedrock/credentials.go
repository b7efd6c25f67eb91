package bedrock

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// defaultRegion is the fallback region when none is configured.
const defaultRegion = "us-east-1"

// Credential resolves AWS credentials and signs dialogue stream
// requests with SigV4.
type Credential struct {
	cfg    aws.Config
	signer signer
}

// NewCredential builds a Credential from the default credential chain.
// This supports IRSA (IAM Roles for Service Accounts), instance
// profiles, and environment variables (AWS_ACCESS_KEY_ID,
// AWS_SECRET_ACCESS_KEY).
func NewCredential(ctx context.Context, region string) (*Credential, error) {
	if region == "" {
		region = defaultRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Credential{
		cfg:    cfg,
		signer: signer{region: region, service: signingService},
	}, nil
}

// NewCredentialWithRole builds a Credential that assumes roleARN via STS.
func NewCredentialWithRole(ctx context.Context, region, roleARN string) (*Credential, error) {
	if region == "" {
		region = defaultRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	stsClient := sts.NewFromConfig(cfg)
	cfg.Credentials = stscreds.NewAssumeRoleProvider(stsClient, roleARN)

	return &Credential{
		cfg:    cfg,
		signer: signer{region: region, service: signingService},
	}, nil
}

// Region returns the configured AWS region.
func (c *Credential) Region() string {
	return c.signer.region
}

// SignStreamingRequest retrieves credentials and signs req for the
// bidirectional stream. The body is marked unsigned because frames are
// produced after the request headers are sent.
func (c *Credential) SignStreamingRequest(ctx context.Context, req *http.Request) error {
	creds, err := c.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}
	c.signer.sign(req, creds, unsignedPayload, time.Now())
	return nil
}

// NewStaticCredential builds a Credential from fixed keys. Useful for
// local stacks and tests; production deployments use the default chain
// or role assumption.
func NewStaticCredential(region, accessKeyID, secretAccessKey string) *Credential {
	if region == "" {
		region = defaultRegion
	}
	return &Credential{
		cfg: aws.Config{
			Region: region,
			Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey}, nil
			}),
		},
		signer: signer{region: region, service: signingService},
	}
}
