//go:build !linux

package esp

func publish(staging, dir string) error {
	return replaceDir(staging, dir)
}
