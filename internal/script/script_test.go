package script

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
)

func TestRunExecutesCommandWithEnv(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	r := New(log.NewNopLogger())
	r.Run(`echo "$VRRP_STATE" > `+out, map[string]string{"VRRP_STATE": "Master"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(out); err == nil {
			if string(data) != "Master\n" {
				t.Fatalf("unexpected output: %q", data)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("transition command never produced output")
}

func TestRunDoesNotBlockCaller(t *testing.T) {
	r := New(log.NewNopLogger())
	start := time.Now()
	r.Run("sleep 1", nil)
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("Run blocked the caller")
	}
}
