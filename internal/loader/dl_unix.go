//go:build darwin || linux

package loader

import "github.com/ebitengine/purego"

var (
	dlopen = func(path string) (uintptr, error) {
		return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	}
	dlclose = purego.Dlclose
)
