package process

import (
	"os"
	"testing"

	"github.com/loykin/printshell/internal/devbackend"
)

// The test binary doubles as the backend when re-executed with
// PRINTSHELL_HELPER_BACKEND=1.
func TestMain(m *testing.M) {
	if os.Getenv("PRINTSHELL_HELPER_BACKEND") == "1" {
		os.Exit(devbackend.RunStub(os.Args[1:], os.Getenv("PRINTSHELL_HELPER_MODE"), nil))
	}
	os.Exit(m.Run())
}
