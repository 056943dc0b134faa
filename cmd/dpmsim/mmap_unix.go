//go:build unix

package main

import "github.com/xiaoh105/neuralert-firmware-sub007/internal/retention"

func openMmap(path string, size int) (store, error) {
	return retention.OpenMmap(path, size)
}
