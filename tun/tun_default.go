//go:build !linux

package tun

import (
	"github.com/tunbridge/tunbridge-core/common/errors"
)

// New is not supported on this platform; the core consumes a descriptor the host
// integration layer provides by other means.
func New(options Options) (Device, error) {
	return nil, errors.New("tun device creation is not supported on this platform")
}
