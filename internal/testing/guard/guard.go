package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("INTERNTRACK_TEST_MODE") == "" {
			_ = os.Setenv("INTERNTRACK_TEST_MODE", "1")
		}
	})
}
