//go:build !(darwin || linux)

package loader

var (
	dlopen  = func(string) (uintptr, error) { return 0, ErrUnsupported }
	dlclose = func(uintptr) error { return ErrUnsupported }
)
