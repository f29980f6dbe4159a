//go:build !unix

package main

import (
	"errors"
	"os"
)

func detachStdout() (*os.File, error) {
	return nil, errors.New("native messaging host is only supported on unix platforms")
}
