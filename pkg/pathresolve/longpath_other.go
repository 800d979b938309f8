//go:build !windows

package pathresolve

// Extended is a no-op outside Windows; only Win32 APIs impose the traditional
// 260-character path limit the extended-length prefix works around.
func Extended(path string) string {
	return path
}
