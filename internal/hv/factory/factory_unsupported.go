//go:build !(linux && amd64)

package factory

import "github.com/tinyrange/kmon/internal/hv"

func Open() (hv.Driver, error) {
	return nil, hv.ErrUnsupportedBackend
}
