// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rillation/enrichment-runtime/internal/domain"
)

// CredentialProvider supplies the provider session credential. It is read on
// every call so an externally refreshed token is picked up without restart.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// StaticCredentials always returns the same token.
type StaticCredentials string

func (s StaticCredentials) Credential(ctx context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", domain.ErrCredentialUnavailable
	}
	return token, nil
}

// FileCredentials reads the token from a file that another process keeps fresh.
type FileCredentials struct {
	Path string
}

func (f FileCredentials) Credential(ctx context.Context) (string, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", domain.ErrCredentialUnavailable, f.Path, err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("%w: %s is empty", domain.ErrCredentialUnavailable, f.Path)
	}
	return token, nil
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) Credential(ctx context.Context) (string, error) {
	return f(ctx)
}
