package core

import (
	"errors"

	"github.com/zeebo/errs"
)

// Error is the class of resolution failures: unreadable or missing sources
// and merge errors. Tier outages are never reported through it.
var Error = errs.Class("resolve")

// ErrEmptyDataset is returned when a plate resolves to zero rows. Nothing is
// persisted for such a plate.
var ErrEmptyDataset = errors.New("empty dataset")

// ErrNoArchive is returned when the plate's raw database is neither on local
// disk nor in the object store.
var ErrNoArchive = errors.New("raw archive not found")
