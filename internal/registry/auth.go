package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	dockerregistry "github.com/docker/docker/api/types/registry"
)

// Authenticator produces a Docker registry auth header value for image
// pulls. The orchestrator authenticates before any environment is touched.
type Authenticator interface {
	Auth(ctx context.Context) (string, error)
}

// ECRAuthenticator obtains short-lived credentials from the ECR
// authorization token API.
type ECRAuthenticator struct {
	registryHost string
	region       string
}

// NewECRAuthenticator creates an authenticator for an ECR registry host.
func NewECRAuthenticator(registryHost, region string) *ECRAuthenticator {
	return &ECRAuthenticator{registryHost: registryHost, region: region}
}

func (a *ECRAuthenticator) Auth(ctx context.Context) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.region))
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}

	out, err := ecr.NewFromConfig(cfg).GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", fmt.Errorf("get ecr authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 || out.AuthorizationData[0].AuthorizationToken == nil {
		return "", fmt.Errorf("ecr returned no authorization data")
	}

	decoded, err := base64.StdEncoding.DecodeString(*out.AuthorizationData[0].AuthorizationToken)
	if err != nil {
		return "", fmt.Errorf("decode ecr token: %w", err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", fmt.Errorf("malformed ecr token")
	}

	return EncodeAuth(user, pass, a.registryHost)
}

// StaticAuthenticator carries fixed registry credentials. Empty username
// means anonymous access.
type StaticAuthenticator struct {
	Username     string
	Password     string
	RegistryHost string
}

func (a *StaticAuthenticator) Auth(ctx context.Context) (string, error) {
	if a.Username == "" {
		return "", nil
	}
	return EncodeAuth(a.Username, a.Password, a.RegistryHost)
}

// EncodeAuth builds the base64 auth header the Docker API expects.
func EncodeAuth(username, password, serverAddress string) (string, error) {
	buf, err := json.Marshal(dockerregistry.AuthConfig{
		Username:      username,
		Password:      password,
		ServerAddress: serverAddress,
	})
	if err != nil {
		return "", fmt.Errorf("encode auth config: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
