//go:build !darwin

package checkpoint

import "errors"

// tryReflink has no portable equivalent outside APFS; callers always fall
// back to denseCopy on other platforms.
func tryReflink(srcPath, dstPath string) error {
	return errors.New("checkpoint: reflink not supported on this platform")
}
