//go:build !(linux || darwin || freebsd)

package fsutil

import "errors"

func freeBytes(string) (uint64, error) {
	return 0, errors.New("free space probe not supported on this platform")
}
