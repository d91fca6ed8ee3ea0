package artifact

import (
	"fmt"
	"strings"

	"github.com/buildkite/interpolate"
)

// DefaultDestination is the local directory logs are archived into.
const DefaultDestination = "artifacts"

// Kind is the type of storage a destination points at.
type Kind int

const (
	KindLocal Kind = iota
	KindS3
	KindAzureBlob
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindS3:
		return "s3"
	case KindAzureBlob:
		return "azure-blob"
	default:
		return "unknown"
	}
}

// Destination is a parsed artifact destination.
type Destination struct {
	Kind Kind

	// Raw is the destination after interpolation.
	Raw string

	// Account is the Azure storage account.
	Account string

	// Bucket is the S3 bucket or Azure container.
	Bucket string

	// Path is the local directory, or the prefix within the bucket or
	// container.
	Path string
}

// ParseDestination interpolates $VARIABLES in dest from env, then parses the
// result. Recognised forms are:
//
//	artifacts/${HOST_USER}                          a local directory
//	s3://bucket/prefix                              an S3 bucket
//	az://account/container/prefix                   an Azure Blob container
//	https://account.blob.core.windows.net/container/prefix
//
// An empty destination means DefaultDestination.
func ParseDestination(dest string, env interpolate.Env) (Destination, error) {
	if env != nil {
		expanded, err := interpolate.Interpolate(env, dest)
		if err != nil {
			return Destination{}, fmt.Errorf("interpolating artifact destination %q: %w", dest, err)
		}
		dest = expanded
	}

	dest = strings.TrimSpace(dest)
	if dest == "" {
		dest = DefaultDestination
	}

	switch {
	case strings.HasPrefix(dest, "s3://"):
		bucket, path := ParseS3Destination(dest)
		if bucket == "" {
			return Destination{}, fmt.Errorf("artifact destination %q has no bucket", dest)
		}
		return Destination{Kind: KindS3, Raw: dest, Bucket: bucket, Path: path}, nil

	case strings.HasPrefix(dest, "az://"):
		parts := strings.SplitN(strings.Trim(strings.TrimPrefix(dest, "az://"), "/"), "/", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return Destination{}, fmt.Errorf("artifact destination %q: want az://account/container[/prefix]", dest)
		}
		d := Destination{Kind: KindAzureBlob, Raw: dest, Account: parts[0], Bucket: parts[1]}
		if len(parts) == 3 {
			d.Path = parts[2]
		}
		return d, nil

	case IsAzureBlobPath(dest):
		loc, err := ParseAzureBlobLocation(dest)
		if err != nil {
			return Destination{}, err
		}
		return Destination{
			Kind:    KindAzureBlob,
			Raw:     dest,
			Account: loc.StorageAccountName,
			Bucket:  loc.ContainerName,
			Path:    strings.TrimSuffix(loc.BlobPath, "/"),
		}, nil

	case strings.Contains(dest, "://"):
		return Destination{}, fmt.Errorf("artifact destination %q: unsupported scheme", dest)
	}

	return Destination{Kind: KindLocal, Raw: dest, Path: dest}, nil
}
