//go:build darwin

package checkpoint

import "golang.org/x/sys/unix"

// tryReflink attempts a copy-on-write clone via APFS's clonefile(2), which
// makes `shuru run --from <checkpoint>` and `shuru checkpoint create`
// near-instant regardless of image size.
func tryReflink(srcPath, dstPath string) error {
	return unix.Clonefile(srcPath, dstPath, 0)
}
