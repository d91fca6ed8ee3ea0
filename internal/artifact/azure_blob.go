package artifact

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/labops/deploystep/logger"
)

// The domain suffix for Azure Blob storage.
const azureBlobHostSuffix = ".blob.core.windows.net"

// NewAzureBlobClient creates a client for a storage account, authenticating
// with a connection string, a shared key, or the default Azure credential
// chain, in that order of preference.
func NewAzureBlobClient(l logger.Logger, storageAccountName string) (*service.Client, error) {
	if connStr := os.Getenv("DEPLOYSTEP_AZURE_BLOB_CONNECTION_STRING"); connStr != "" {
		l.Debug("Connecting to Azure Blob Storage using Connection String")
		client, err := service.NewClientFromConnectionString(connStr, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob storage client with connection string: %w", err)
		}
		return client, nil
	}

	serviceURL := fmt.Sprintf("https://%s%s/", storageAccountName, azureBlobHostSuffix)

	if accKey := os.Getenv("DEPLOYSTEP_AZURE_BLOB_ACCESS_KEY"); accKey != "" {
		l.Debug("Connecting to Azure Blob Storage using Shared Key Credential")
		cred, err := service.NewSharedKeyCredential(storageAccountName, accKey)
		if err != nil {
			return nil, fmt.Errorf("creating Azure shared key credential: %w", err)
		}
		client, err := service.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob storage client with a shared key credential: %w", err)
		}
		return client, nil
	}

	l.Debug("Connecting to Azure Blob Storage using Default Azure Credential")
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating default Azure credential: %w", err)
	}

	client, err := service.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob storage client with default Azure credential: %w", err)
	}
	return client, nil
}

// AzureBlobLocation specifies the location of a blob in Azure Blob Storage.
type AzureBlobLocation struct {
	StorageAccountName string
	ContainerName      string
	BlobPath           string
}

// URL returns an Azure Blob Storage URL for the blob.
func (l *AzureBlobLocation) URL(blob string) string {
	return (&url.URL{
		Scheme: "https",
		Host:   l.StorageAccountName + azureBlobHostSuffix,
		Path:   path.Join(l.ContainerName, l.BlobPath, blob),
	}).String()
}

// ParseAzureBlobLocation parses an https://account.blob.core.windows.net/
// URL into an Azure Blob Storage location.
func ParseAzureBlobLocation(loc string) (*AzureBlobLocation, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("parsing location: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("parsing location: want https:// scheme, got %q", u.Scheme)
	}
	san, ok := strings.CutSuffix(u.Host, azureBlobHostSuffix)
	if !ok {
		return nil, fmt.Errorf("parsing location: want subdomain of %s, got %q", azureBlobHostSuffix, u.Host)
	}
	ctr, blob, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if ctr == "" {
		return nil, fmt.Errorf("parsing location: want container name as first segment of path, got %q", u.Path)
	}
	return &AzureBlobLocation{
		StorageAccountName: san,
		ContainerName:      ctr,
		BlobPath:           blob,
	}, nil
}

// IsAzureBlobPath reports if the location is an Azure Blob Storage path.
func IsAzureBlobPath(loc string) bool {
	_, err := ParseAzureBlobLocation(loc)
	return err == nil
}

// AzureBlobUploaderConfig configures AzureBlobUploader.
type AzureBlobUploaderConfig struct {
	Location *AzureBlobLocation
}

// AzureBlobUploader uploads files to an Azure Blob Storage container.
type AzureBlobUploader struct {
	loc    *AzureBlobLocation
	client *service.Client
	logger logger.Logger
}

// NewAzureBlobUploader creates a new AzureBlobUploader.
func NewAzureBlobUploader(l logger.Logger, c AzureBlobUploaderConfig) (*AzureBlobUploader, error) {
	client, err := NewAzureBlobClient(l, c.Location.StorageAccountName)
	if err != nil {
		return nil, err
	}

	return &AzureBlobUploader{
		loc:    c.Location,
		client: client,
		logger: l,
	}, nil
}

func (u *AzureBlobUploader) Upload(ctx context.Context, localPath, name string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %q (%w)", localPath, err)
	}
	defer f.Close() //nolint:errcheck // File open for read only.

	blobName := path.Join(u.loc.BlobPath, name)
	target := u.loc.URL(name)

	u.logger.Debug("Uploading %s to %s", localPath, target)

	ct := contentType(name)
	bbc := u.client.NewContainerClient(u.loc.ContainerName).NewBlockBlobClient(blobName)
	_, err = bbc.UploadFile(ctx, f, &blockblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return "", err
	}
	return target, nil
}
