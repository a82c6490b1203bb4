// SPDX-License-Identifier: Unlicense OR MIT

//go:build !unix

package sim

func allocRAM(size int) ([]byte, func() error, error) {
	return make([]byte, size), nil, nil
}
