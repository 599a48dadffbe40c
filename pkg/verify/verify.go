// Package verify computes and checks MD5 digests of files on disk.
package verify

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/cuihuir/tope-updater/pkg/errs"
)

const chunkSize = 8 * 1024

// MD5 streams the file at path through a standard MD5 hasher in fixed-size
// chunks and returns the lowercase hex digest.
func MD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.Wrap(errs.CodeNotFound, path, err)
		}
		return "", errs.Wrap(errs.CodeIOError, path, err)
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", errs.Wrap(errs.CodeIOError, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks that the file at path hashes to expectedHex, case
// insensitively on the expected value. It returns *errs.CodedError with
// CodeInvalidHashFormat if expectedHex is not 32 hex characters, and
// *errs.MismatchError on a hash mismatch.
func Verify(path, expectedHex string) error {
	expected := strings.ToLower(expectedHex)
	if len(expected) != 32 || !isHex(expected) {
		return errs.New(errs.CodeInvalidHashFormat, expectedHex)
	}

	actual, err := MD5(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return &errs.MismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
