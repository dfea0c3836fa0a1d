package storage

import "os"

// EnsureDir creates the state directory, readable only by the agent user.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o700)
}
