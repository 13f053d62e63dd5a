//go:build !linux

package filestorage

import (
	"errors"
	"os"
)

func adviseRandom(*os.File) error { return nil }

func fallocate(*os.File, int64) error { return errors.New("fallocate is not supported") }
