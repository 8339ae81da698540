package dataset

import (
	"testing"

	"platecore/testutil"
)

func TestNoStorageImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.StorageImportForbidden, "dataset is a pure transformation package")
}
