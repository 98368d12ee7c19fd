//go:build !linux && !darwin

package scan

import (
	"os"

	"hackstone/internal/model"
)

// collectOwner is a no-op on platforms without a usable stat structure;
// ownership fields stay nil.
func collectOwner(os.FileInfo, *model.FileMetadata) {}
