//go:build !linux && !darwin

package system

import (
	"runtime"

	"github.com/cockroachdb/errors"
)

func getRAMInfo() (*RAMInfo, error) {
	return nil, errors.Newf("memory query not supported on %s", runtime.GOOS)
}
