package blob

import (
	"context"
	"fmt"

	"platecore/internal/infra/blob/fs"
	memorystore "platecore/internal/infra/blob/memory"
	infraS3 "platecore/internal/infra/blob/s3"
)

// S3Config re-exports the infra S3 configuration.
type S3Config = infraS3.Config

// Options selects and configures a driver.
//
//	Driver fs:     Root is the directory holding the blobs.
//	Driver s3:     S3 carries bucket, region and endpoint.
//	Driver memory: no options.
type Options struct {
	Driver Driver
	Root   string
	S3     S3Config
}

// Open constructs the driver named by opts.Driver (default fs).
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(opts.Root)
	case DriverS3:
		return infraS3.New(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewFilesystem constructs a filesystem-backed Store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}

// NewMemory returns an in-memory Store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests exposes the in-memory S3 mock for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
