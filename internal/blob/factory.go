package blob

import (
	"context"
	"fmt"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/infra/blob/fs"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/infra/blob/memory"
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/infra/blob/s3"
)

// S3Config configures the s3 driver.
type S3Config = s3.Config

// Options selects and configures a driver.
type Options struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open returns the Store for opts.Driver; an empty driver means fs.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverFilesystem:
		return NewFilesystem(opts.FSRoot)
	case DriverS3:
		return NewS3(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", opts.Driver)
	}
}

// NewFilesystem returns a Store rooted at root.
func NewFilesystem(root string) (Store, error) {
	st, err := fs.New(root)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store { return memory.New() }

// NewS3 returns a Store for one S3 bucket.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	st, err := s3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// NewMockS3 returns an S3 Store backed by an in-process fake bucket, for tests.
func NewMockS3() Store { return s3.NewMock() }
