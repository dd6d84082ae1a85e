//go:build !windows

package collect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/creack/pty"
)

// Progress lines are for humans only: emitted when stderr is a terminal,
// withheld when it is redirected.
func TestShowProgress(t *testing.T) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("cannot open a pty: %v", err)
	}
	defer ptmx.Close()
	defer tty.Close()

	if !showProgress(tty) {
		t.Error("showProgress(pty) -> false")
	}

	plain, err := os.Create(filepath.Join(t.TempDir(), "stderr"))
	if err != nil {
		t.Fatal(err)
	}
	defer plain.Close()
	if showProgress(plain) {
		t.Error("showProgress(regular file) -> true")
	}
}
