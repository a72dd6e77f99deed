package app

import (
	"bytes"
	"os"
	"sync"
	"testing"

	"github.com/specialistvlad/dirflow/internal/task"
)

// SafeBuffer is a bytes.Buffer that runners, servers and the test itself
// can write to and read from concurrently.
type SafeBuffer struct {
	sync.Mutex
	buf bytes.Buffer
}

func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()
	return b.buf.Write(p)
}

func (b *SafeBuffer) String() string {
	b.Lock()
	defer b.Unlock()
	return b.buf.String()
}

// SetupAppTest creates an App logging at debug level into a SafeBuffer. Set
// DIRFLOW_TEST_LOGS=true to print the log of every test.
func SetupAppTest(t *testing.T, registry *task.Registry) (*App, *SafeBuffer) {
	t.Helper()

	logBuffer := &SafeBuffer{}
	testApp := NewApp(logBuffer, &Config{LogLevel: "debug", LogFormat: "text", QueueKind: "local"}, registry)

	t.Cleanup(func() {
		if os.Getenv("DIRFLOW_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
		}
	})

	return testApp, logBuffer
}
