package auth

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/itsneelabh/rumagent/core"
)

// NewCredentialsProvider returns the upstream provider selected by
// cfg.Provider. It returns nil for "none".
func NewCredentialsProvider(ctx context.Context, cfg core.AuthConfig, region string) (aws.CredentialsProvider, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil

	case "static":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, &core.AgentError{
				Op:      "auth.NewCredentialsProvider",
				Kind:    "config",
				Message: "static credentials need an access key id and secret",
				Err:     core.ErrMissingConfiguration,
			}
		}
		return credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken), nil

	case "default":
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
		if err != nil {
			return nil, &core.AgentError{
				Op:      "auth.NewCredentialsProvider",
				Kind:    "config",
				Message: "failed to load the default credential chain",
				Err:     fmt.Errorf("%w: %v", core.ErrInvalidConfiguration, err),
			}
		}
		return awsCfg.Credentials, nil

	case "web_identity":
		client := sts.New(sts.Options{Region: region})
		return NewWebIdentityProvider(client, cfg)

	default:
		return nil, &core.AgentError{
			Op:      "auth.NewCredentialsProvider",
			Kind:    "config",
			Message: fmt.Sprintf("unknown credential provider %q", cfg.Provider),
			Err:     core.ErrInvalidConfiguration,
		}
	}
}

// NewWebIdentityProvider exchanges the token in cfg.TokenFile for role
// credentials through client.
func NewWebIdentityProvider(client stscreds.AssumeRoleWithWebIdentityAPIClient, cfg core.AuthConfig) (aws.CredentialsProvider, error) {
	if cfg.RoleARN == "" || cfg.TokenFile == "" {
		return nil, &core.AgentError{
			Op:      "auth.NewWebIdentityProvider",
			Kind:    "config",
			Message: "web identity needs a role ARN and a token file",
			Err:     core.ErrMissingConfiguration,
		}
	}
	return stscreds.NewWebIdentityRoleProvider(client, cfg.RoleARN, stscreds.IdentityTokenFile(cfg.TokenFile),
		func(o *stscreds.WebIdentityRoleOptions) {
			if cfg.RoleSessionName != "" {
				o.RoleSessionName = cfg.RoleSessionName
			}
		}), nil
}
