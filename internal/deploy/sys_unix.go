//go:build unix

package deploy

import (
	"errors"

	"golang.org/x/sys/unix"
)

func geteuid() int {
	return unix.Geteuid()
}

func isReadOnly(err error) bool {
	return errors.Is(err, unix.EROFS)
}
