// Package blob exposes the blob storage abstraction used for ETL result
// archives. Higher layers depend on blob.Store; the driver-specific
// implementations live under internal/infra/blob and are wired here.
package blob

import (
	"seqcore/internal/blob/core"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver = core.Driver

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// PutOptions specifies optional parameters for Put.
type PutOptions = core.PutOptions

// SignedURLOptions holds options for generating a pre-signed URL.
type SignedURLOptions = core.SignedURLOptions

// Info describes a stored blob.
type Info = core.Info

// Store is the storage interface consumed by the ETL service and API layers.
type Store = core.Store

// ErrUnsupported is returned when an optional capability is not available.
var ErrUnsupported = core.ErrUnsupported

// ObjectURL joins an endpoint, bucket, and key into the canonical object URL.
func ObjectURL(endpoint, bucket, key string) string {
	return core.ObjectURL(endpoint, bucket, key)
}

// ExtractKey recovers the object key from a result URL for the configured
// endpoint and bucket, ignoring presign query parameters.
func ExtractKey(rawURL, endpoint, bucket string) (string, error) {
	return core.ExtractKey(rawURL, endpoint, bucket)
}
