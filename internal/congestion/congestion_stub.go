//go:build !linux
// +build !linux

package congestion

import (
	"os"
)

func set(*os.File, string) error {
	return ErrNoSupport
}

func get(*os.File) (string, error) {
	return "", ErrNoSupport
}
