package blob

import (
	"context"
	"fmt"
	"os"

	fsstore "seqcore/internal/infra/blob/fs"
	memorystore "seqcore/internal/infra/blob/memory"
)

// Open selects a blob.Store implementation using environment variables.
//
//	SEQCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	SEQCORE_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	(S3 specific variables documented in s3.go)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("SEQCORE_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		root := os.Getenv("SEQCORE_BLOB_FS_ROOT")
		return fsstore.New(root)
	case DriverS3:
		return OpenFromEnv(ctx)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewFilesystem returns a filesystem-backed blob.Store rooted at path.
func NewFilesystem(root string) (Store, error) { return fsstore.New(root) }

// NewMemory returns an in-memory blob.Store suitable for tests.
func NewMemory() Store { return memorystore.New() }
