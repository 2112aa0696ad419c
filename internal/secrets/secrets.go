// Package secrets resolves configuration secrets. A plain value is returned
// as-is; a value of the form "ssm:<parameter-name>" is fetched (decrypted)
// from AWS SSM Parameter Store at startup, so deployments never put the real
// secret in an environment variable or a flag.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/tavolohq/edgegate/internal/xerrors"
)

const ssmPrefix = "ssm:"

// ParameterGetter is the slice of the SSM client the resolver needs.
// Extracted so tests can fake it.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver resolves secret values, lazily constructing an SSM client the
// first time an ssm: indirection is seen.
type Resolver struct {
	client ParameterGetter
}

// NewResolver returns a resolver using the default AWS config chain. The
// client is only built when Resolve meets its first ssm: value.
func NewResolver() *Resolver {
	return &Resolver{}
}

// NewResolverWithClient injects a pre-built parameter getter.
func NewResolverWithClient(client ParameterGetter) *Resolver {
	return &Resolver{client: client}
}

// Resolve returns the secret behind value. Plain values pass through
// untouched; "ssm:<name>" values are fetched with decryption.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, ssmPrefix) {
		return value, nil
	}

	name := strings.TrimPrefix(value, ssmPrefix)
	if name == "" {
		return "", xerrors.New("empty ssm parameter name")
	}

	if r.client == nil {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return "", xerrors.Wrap(err, "load AWS config")
		}
		r.client = ssm.NewFromConfig(awsCfg)
	}

	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}

	secret := strings.TrimSpace(*out.Parameter.Value)
	if secret == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return secret, nil
}

// Generate returns a fresh random secret for the development posture, where
// missing secrets are tolerated. Sessions and CSRF tokens issued under a
// generated secret do not survive a restart.
func Generate() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
