//go:build !rdma_hw || !linux

package rdma

import "errors"

func newHardwareBackend() (VerbsBackend, error) {
	return nil, errors.New("hardware verbs backend not compiled in; rebuild with -tags rdma_hw")
}
