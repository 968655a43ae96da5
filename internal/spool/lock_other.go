//go:build !unix

package spool

import "os"

func tryFlock(f *os.File) error {
	return nil
}

func releaseLock(f *os.File) error {
	return nil
}
