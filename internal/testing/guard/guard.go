// Package guard switches the binaries into test mode when blank-imported by a test.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("SAPSYNC_TEST_MODE") == "" {
			_ = os.Setenv("SAPSYNC_TEST_MODE", "1")
		}
	})
}
