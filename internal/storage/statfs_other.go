//go:build !linux && !darwin

package storage

func filesystemType(string) (string, error) {
	return "", errStatfsUnsupported
}
