//go:build unix

package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coderunner/internal/store"
	"coderunner/internal/store/storetest"
	"coderunner/internal/worker/runtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellSpec(timeout int) store.JobSpec {
	spec := store.DefaultJobSpec()
	spec.Entry = "main.sh"
	spec.Interpreter = []string{"sh"}
	spec.TimeoutSec = timeout
	return spec
}

func newExecFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, runtime.NewExecRuntime())
	f.start(t)
	return f
}

func TestExec_HelloWorld(t *testing.T) {
	f := newExecFixture(t)
	id := f.submit(t, shellSpec(10), map[string]string{"main.sh": `echo "hello world"`}, nil)

	rec, lines := f.wait(t, id)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.Nil(t, rec.Error)
	assert.Equal(t, []string{
		"[runner] starting job " + id + "\n",
		"hello world\n",
		"[runner] finished with code 0\n",
	}, lines)
}

func TestExec_WritesArtifact(t *testing.T) {
	f := newExecFixture(t)
	script := `printf 'output data' > "$JOB_OUTPUT_DIR/result.txt"
mkdir "$JOB_OUTPUT_DIR/nested"`
	id := f.submit(t, shellSpec(10), map[string]string{"main.sh": script}, nil)

	rec, _ := f.wait(t, id)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.Equal(t, []string{"result.txt"}, rec.Artifacts)

	data, err := os.ReadFile(filepath.Join(rec.Paths.Artifacts, "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "output data", string(data))
}

func TestExec_ReadsInput(t *testing.T) {
	f := newExecFixture(t)
	id := f.submit(t, shellSpec(10),
		map[string]string{"main.sh": `cat "$JOB_INPUT_DIR/data.txt"`},
		map[string]string{"data.txt": "uploaded content\n"},
	)

	rec, lines := f.wait(t, id)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.Contains(t, lines, "uploaded content\n")
}

func TestExec_Timeout(t *testing.T) {
	f := newExecFixture(t)
	id := f.submit(t, shellSpec(1), map[string]string{"main.sh": "echo started\nsleep 10"}, nil)

	begin := time.Now()
	rec, lines := f.wait(t, id)
	assert.Less(t, time.Since(begin), 8*time.Second, "timeout did not tear the process down")

	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, ReasonTimeout, *rec.Error)
	assert.Contains(t, lines, "started\n")

	timeoutAt, finishedAt := -1, -1
	for i, line := range lines {
		switch line {
		case "[runner] timeout exceeded, process terminated\n":
			timeoutAt = i
		case "[runner] finished with code -9\n":
			finishedAt = i
		}
	}
	require.NotEqual(t, -1, timeoutAt, "missing timeout line in %q", lines)
	require.NotEqual(t, -1, finishedAt, "missing finished line in %q", lines)
	assert.Less(t, timeoutAt, finishedAt)
}

func TestExec_UncaughtError(t *testing.T) {
	f := newExecFixture(t)
	id := f.submit(t, shellSpec(10), map[string]string{"main.sh": "echo 'before error'\necho boom >&2\nexit 3"}, nil)

	rec, lines := f.wait(t, id)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, 3, *rec.ExitCode)
	assert.Equal(t, ReasonNonZeroExit, *rec.Error)
	assert.Contains(t, lines, "before error\n")
	assert.Contains(t, lines, "boom\n", "stderr is part of the log")
}

func TestExec_MissingEntry(t *testing.T) {
	f := newExecFixture(t)
	id := f.submit(t, shellSpec(10), map[string]string{"other.sh": "echo hi"}, nil)

	rec, lines := f.wait(t, id)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, 127, *rec.ExitCode)
	assert.Equal(t, ReasonMissingEntry, *rec.Error)
	assert.Len(t, lines, 2)
}

func TestExec_SpawnFailure(t *testing.T) {
	f := newExecFixture(t)
	spec := shellSpec(10)
	spec.Interpreter = []string{"/nonexistent/interpreter"}
	id := f.submit(t, spec, map[string]string{"main.sh": "echo hi"}, nil)

	rec, lines := f.wait(t, id)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, 127, *rec.ExitCode)
	assert.Contains(t, *rec.Error, "/nonexistent/interpreter")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "[runner] failed to spawn process: ")
}

func TestExec_Environment(t *testing.T) {
	f := newExecFixture(t)
	spec := shellSpec(10)
	spec.Env = map[string]string{"GREETING": "hi there"}
	spec.Args = []string{"one", "two"}
	script := `echo "greeting=$GREETING"
echo "id=$JOB_ID"
echo "args=$*"
echo "pwd=$(pwd)"`
	id := f.submit(t, spec, map[string]string{"main.sh": script}, nil)

	rec, lines := f.wait(t, id)
	require.Equal(t, store.StatusSucceeded, rec.Status, "lines: %q", lines)
	assert.Contains(t, lines, "greeting=hi there\n")
	assert.Contains(t, lines, "id="+id+"\n")
	assert.Contains(t, lines, "args=one two\n")

	wd, err := filepath.EvalSymlinks(rec.Paths.Code)
	require.NoError(t, err)
	pwdLine := ""
	for _, l := range lines {
		if len(l) > 4 && l[:4] == "pwd=" {
			pwdLine = l[4 : len(l)-1]
		}
	}
	gotWd, err := filepath.EvalSymlinks(pwdLine)
	require.NoError(t, err)
	assert.Equal(t, wd, gotWd)
}

func TestExec_InvalidUTF8AndPartialLine(t *testing.T) {
	f := newExecFixture(t)
	id := f.submit(t, shellSpec(10), map[string]string{"main.sh": `printf 'ok\377\n'
printf 'no newline'`}, nil)

	rec, lines := f.wait(t, id)
	assert.Equal(t, store.StatusSucceeded, rec.Status)
	assert.Contains(t, lines, "ok\uFFFD\n")
	assert.Contains(t, lines, "no newline\n")
}

func TestExec_CancelRunning(t *testing.T) {
	f := newExecFixture(t)
	spec := shellSpec(60)
	id := f.submit(t, spec, map[string]string{"main.sh": "echo ready\nsleep 30"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for line, err := range f.logs.Stream(ctx, id, 0) {
		require.NoError(t, err)
		if line == "ready\n" {
			break
		}
	}
	require.NoError(t, f.runner.Cancel(context.Background(), id))

	rec, lines := f.wait(t, id)
	assert.Equal(t, store.StatusCanceled, rec.Status)
	assert.Equal(t, ReasonCanceled, *rec.Error)
	assert.Equal(t, -9, *rec.ExitCode)
	assert.Contains(t, lines, "[runner] job canceled, process terminated\n")
}

func TestExec_ConcurrentSubscribersSeeSameLog(t *testing.T) {
	f := newExecFixture(t)
	id := f.submit(t, shellSpec(10), map[string]string{"main.sh": "for i in 1 2 3 4 5; do echo line $i; sleep 0.05; done"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		lines []string
		err   error
	}
	results := make(chan result, 2)
	for range 2 {
		go func() {
			lines, err := storetest.Collect(ctx, f.logs, id, 0)
			results <- result{lines, err}
		}()
	}
	ra, rb := <-results, <-results
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	a, b := ra.lines, rb.lines
	assert.Equal(t, a, b)
	assert.Contains(t, a, "line 5\n")
}
