//go:build !linux || !(amd64 || arm64)

package native

import (
	"runtime"

	"github.com/go-elfcore/elfcore/pkg/proc"
)

// Backend is not available on this platform.
type Backend struct{}

var _ proc.Backend = Backend{}

// Attach returns proc.ErrUnsupportedPlatform.
func (Backend) Attach(pid int) (proc.ProcessView, error) {
	if runtime.GOOS == "linux" {
		return nil, proc.ErrUnsupportedArch
	}
	return nil, proc.ErrUnsupportedPlatform
}
