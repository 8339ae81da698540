// Package tier implements the storage fallback chain that resolves a plate
// dataset from the cheapest tier that holds it.
package tier

import (
	"context"
	"errors"
	"fmt"

	"platecore/internal/dataset"
	"platecore/pkg/domain"
)

// Name identifies a storage tier.
type Name string

const (
	// Local is the processed CSV cache under the data root.
	Local Name = "local"
	// Warehouse is the analytical table store.
	Warehouse Name = "warehouse"
	// ObjectStore is the remote bucket holding raw plate files.
	ObjectStore Name = "object_store"
	// Archive is the archival database, extracted and merged on demand.
	Archive Name = "archive"
)

// Status is the outcome of a single tier lookup.
type Status string

const (
	// Hit means the tier returned the requested payload.
	Hit Status = "hit"
	// Miss means the tier does not hold the payload.
	Miss Status = "miss"
	// Unavailable means the tier could not be consulted (network, permission,
	// timeout or a corrupt payload). Callers treat it exactly like Miss.
	Unavailable Status = "unavailable"
)

// ErrMiss is carried by results whose tier did not hold the payload.
var ErrMiss = errors.New("tier miss")

// Key addresses one resolved dataset.
type Key struct {
	Plate    domain.Plate
	Category domain.Category
}

// TableName is the warehouse table and local file stem, "{plate}_{category}".
func (k Key) TableName() string {
	return fmt.Sprintf("%s_%s", k.Plate, k.Category)
}

// LocalKey is the processed file key relative to the data root.
func (k Key) LocalKey() string {
	return fmt.Sprintf("%s/processed/%s.csv", k.Plate, k.TableName())
}

func (k Key) String() string { return k.TableName() }

// Result is the uniform outcome of a tier fetch.
type Result struct {
	Tier   Name
	Status Status
	Table  *dataset.Table
	Err    error
}

// Found reports whether the result carries a payload.
func (r Result) Found() bool { return r.Status == Hit }

func miss(name Name) Result { return Result{Tier: name, Status: Miss, Err: ErrMiss} }

func unavailable(name Name, err error) Result {
	return Result{Tier: name, Status: Unavailable, Err: err}
}

// Tier is one backend of the chain. Fetch never returns a Go error for a
// miss; failures are folded into the Result status.
type Tier interface {
	Name() Name
	// Remote tiers are bounded by the chain timeout.
	Remote() bool
	Fetch(ctx context.Context, key Key) Result
	Store(ctx context.Context, key Key, t *dataset.Table) error
}
