package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// AzureStorage implements ObjectStorage for Azure Blob Storage. Locations
// naming another account than the configured one are read anonymously.
type AzureStorage struct {
	account string
	client  *azblob.Client

	mu        sync.Mutex
	anonymous map[string]*azblob.Client
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName      string
	AccountKey       string
	ConnectionString string
}

// NewAzureStorage creates a new Azure Blob Storage adapter.
func NewAzureStorage(cfg AzureConfig) (*AzureStorage, error) {
	s := &AzureStorage{
		account:   cfg.AccountName,
		anonymous: make(map[string]*azblob.Client),
	}

	switch {
	case cfg.ConnectionString != "":
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, err
		}
		s.client = client
	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, err
		}
		client, err := azblob.NewClientWithSharedKeyCredential(accountURL(cfg.AccountName), cred, nil)
		if err != nil {
			return nil, err
		}
		s.client = client
	}

	return s, nil
}

func accountURL(account string) string {
	return "https://" + account + ".blob.core.windows.net/"
}

// clientFor picks the configured client or an anonymous client for public
// containers of other accounts.
func (s *AzureStorage) clientFor(loc domain.Location) (*azblob.Client, error) {
	if s.client != nil && (loc.Account == "" || loc.Account == s.account) {
		return s.client, nil
	}
	account := loc.Account
	if account == "" {
		account = s.account
	}
	if account == "" {
		return nil, fmt.Errorf("no azure account configured for %s: %w", loc.Pattern, domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.anonymous[account]; ok {
		return c, nil
	}
	c, err := azblob.NewClientWithNoCredential(accountURL(account), nil)
	if err != nil {
		return nil, err
	}
	s.anonymous[account] = c
	return c, nil
}

// List returns all blobs below the literal prefix of loc.
func (s *AzureStorage) List(ctx context.Context, loc domain.Location) ([]output.StorageObject, error) {
	client, err := s.clientFor(loc)
	if err != nil {
		return nil, err
	}

	var objects []output.StorageObject
	pager := client.NewListBlobsFlatPager(loc.Bucket, &azblob.ListBlobsFlatOptions{
		Prefix: &loc.Prefix,
	})

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, &domain.StorageError{Operation: "list", Key: loc.Bucket + "/" + loc.Prefix, Err: mapAzureError(err)}
		}

		for _, blob := range page.Segment.BlobItems {
			if blob.Name == nil {
				continue
			}
			obj := output.StorageObject{Key: *blob.Name}
			extractBlobProperties(blob, &obj)
			objects = append(objects, obj)
		}
	}

	return objects, nil
}

// extractBlobProperties copies size, time and ETag from a listed blob.
func extractBlobProperties(blob *container.BlobItem, obj *output.StorageObject) {
	if blob.Properties == nil {
		return
	}
	if blob.Properties.ContentLength != nil {
		obj.Size = *blob.Properties.ContentLength
	}
	if blob.Properties.LastModified != nil {
		obj.LastModified = *blob.Properties.LastModified
	}
	if blob.Properties.ETag != nil {
		obj.ETag = string(*blob.Properties.ETag)
	}
}

// Stat returns the attributes of a single blob.
func (s *AzureStorage) Stat(ctx context.Context, loc domain.Location, key string) (*output.StorageObject, error) {
	client, err := s.clientFor(loc)
	if err != nil {
		return nil, err
	}

	props, err := client.ServiceClient().NewContainerClient(loc.Bucket).NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return nil, &domain.StorageError{Operation: "stat", Key: key, Err: mapAzureError(err)}
	}

	obj := &output.StorageObject{Key: key}
	if props.ContentLength != nil {
		obj.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		obj.LastModified = *props.LastModified
	}
	if props.ETag != nil {
		obj.ETag = string(*props.ETag)
	}
	return obj, nil
}

// GetReader returns a reader for the given blob.
func (s *AzureStorage) GetReader(ctx context.Context, loc domain.Location, key string) (io.ReadCloser, error) {
	client, err := s.clientFor(loc)
	if err != nil {
		return nil, err
	}
	resp, err := client.DownloadStream(ctx, loc.Bucket, key, nil)
	if err != nil {
		return nil, &domain.StorageError{Operation: "get", Key: key, Err: mapAzureError(err)}
	}
	return resp.Body, nil
}

// Download downloads a blob from Azure to the local filesystem.
func (s *AzureStorage) Download(ctx context.Context, loc domain.Location, key string, dest string) error {
	r, err := s.GetReader(ctx, loc, key)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	return writeFile(dest, r)
}

func mapAzureError(err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound):
		return fmt.Errorf("%v: %w", err, domain.ErrNotFound)
	case bloberror.HasCode(err, bloberror.AuthorizationFailure, bloberror.AuthorizationPermissionMismatch,
		bloberror.InsufficientAccountPermissions, bloberror.NoAuthenticationInformation):
		return fmt.Errorf("%v: %w", err, domain.ErrPermissionDenied)
	default:
		return err
	}
}
