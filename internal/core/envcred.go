package core

import (
	"context"
	"fmt"
	"os"
)

// EnvCredentialProvider is a minimal CredentialProvider reading a bearer
// token from an environment variable. It stands in for the real account
// manager, which owns interactive sign-in and token refresh; production
// wiring swaps this for whatever auth flow the shell's account manager
// performs.
type EnvCredentialProvider struct {
	EnvVar string
}

func NewEnvCredentialProvider(envVar string) *EnvCredentialProvider {
	return &EnvCredentialProvider{EnvVar: envVar}
}

func (p *EnvCredentialProvider) BearerToken(ctx context.Context) (string, error) {
	tok := os.Getenv(p.EnvVar)
	if tok == "" {
		return "", fmt.Errorf("core: no bearer token in %s", p.EnvVar)
	}
	return tok, nil
}
