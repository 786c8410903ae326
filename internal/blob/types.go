// Package blob is the entry point to blob storage. Callers depend on Store
// and obtain one through Open or the driver constructors here; only this
// package imports the drivers under internal/infra/blob.
package blob

import (
	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/blob/core"
)

type (
	Driver     = core.Driver
	PutOptions = core.PutOptions
	Object     = core.Object
	Store      = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrExists   = core.ErrExists
	ErrNotFound = core.ErrNotFound
)
