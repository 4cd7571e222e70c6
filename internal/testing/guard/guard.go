// Package guard switches the process into test mode when imported by tests
// that exercise binaries with runtime side effects.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("GATEKEEPER_TEST_MODE") == "" {
			_ = os.Setenv("GATEKEEPER_TEST_MODE", "1")
		}
	})
}
