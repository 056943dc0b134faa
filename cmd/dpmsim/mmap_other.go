//go:build !unix

package main

import "errors"

func openMmap(path string, size int) (store, error) {
	return nil, errors.New("mmap store is only available on unix")
}
