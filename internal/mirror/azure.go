package mirror

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureTarget mirrors snapshots into an Azure Blob Storage container.
type AzureTarget struct {
	client    *azblob.Client
	container string
	prefix    string
}

// AzureConfig configures an AzureTarget.
type AzureConfig struct {
	AccountURL string // https://<account>.blob.core.windows.net
	Container  string
	Prefix     string
}

// NewAzureTarget builds an AzureTarget against an account URL that already
// carries a SAS token, or one reachable anonymously; callers needing
// Azure AD auth should construct an *azblob.Client themselves with
// azidentity and use NewAzureTargetWithClient instead.
func NewAzureTarget(cfg AzureConfig) (*AzureTarget, error) {
	client, err := azblob.NewClientWithNoCredential(cfg.AccountURL, nil)
	if err != nil {
		return nil, fmt.Errorf("mirror: create azure client: %w", err)
	}
	return &AzureTarget{client: client, container: cfg.Container, prefix: cfg.Prefix}, nil
}

// NewAzureTargetWithClient wraps an already-authenticated client, for
// callers using Azure AD credentials (azidentity) or a shared key.
func NewAzureTargetWithClient(client *azblob.Client, cfg AzureConfig) *AzureTarget {
	return &AzureTarget{client: client, container: cfg.Container, prefix: cfg.Prefix}
}

// Name implements Target.
func (t *AzureTarget) Name() string {
	return "azblob://" + t.container
}

// PutObject implements Target.
func (t *AzureTarget) PutObject(ctx context.Context, key string, data io.Reader, size int64) error {
	_, err := t.client.UploadStream(ctx, t.container, t.prefix+key, data, nil)
	if err != nil {
		return fmt.Errorf("mirror: azblob upload %s: %w", key, err)
	}
	return nil
}
