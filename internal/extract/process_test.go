package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperExtractor is what the child process runs.
var helperExtractor = ExtractorFunc(func(_ context.Context, path string) Result {
	name := filepath.Base(path)
	switch {
	case strings.Contains(name, "crash"):
		os.Exit(3)
	case strings.Contains(name, "hang"):
		time.Sleep(time.Minute)
	case strings.Contains(name, "panic"):
		panic("engine exploded")
	case strings.Contains(name, "bad"):
		return Result{Error: "cannot decode " + name}
	}
	return Result{
		Text:     "text of " + name,
		Success:  true,
		Metadata: map[string]string{"pid": "child"},
	}
})

// TestHelperProcess is not a real test; it is the worker process body.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("OCRBATCH_WANT_HELPER_PROCESS") != "1" {
		return
	}
	err := Serve(context.Background(), os.Stdin, os.Stdout, helperExtractor)
	if err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

func helperConfig() ProcessConfig {
	return ProcessConfig{
		Command: []string{os.Args[0], "-test.run=^TestHelperProcess$", "--"},
		Env:     []string{"OCRBATCH_WANT_HELPER_PROCESS=1"},
	}
}

func TestProcessExtractor(t *testing.T) {
	p, err := StartProcess(helperConfig())
	require.NoError(t, err)
	defer p.Close()

	res := p.Extract(context.Background(), "/scans/a.png")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "text of a.png", res.Text)
	assert.Equal(t, "child", res.Metadata["pid"])

	res = p.Extract(context.Background(), "/scans/bad.png")
	assert.False(t, res.Success)
	assert.Equal(t, "cannot decode bad.png", res.Error)

	res = p.Extract(context.Background(), "/scans/panic.png")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "engine exploded")
}

func TestProcessExtractorRestartsAfterCrash(t *testing.T) {
	p, err := StartProcess(helperConfig())
	require.NoError(t, err)
	defer p.Close()

	res := p.Extract(context.Background(), "/scans/crash.png")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exited")

	res = p.Extract(context.Background(), "/scans/after.png")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "text of after.png", res.Text)
}

func TestProcessExtractorDeadline(t *testing.T) {
	p, err := StartProcess(helperConfig())
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := p.Extract(ctx, "/scans/hang.png")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cancelled")
}

func TestProcessExtractorSerialisesCalls(t *testing.T) {
	p, err := StartProcess(helperConfig())
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	results := make([]Result, 6)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.Extract(context.Background(), filepath.Join("/scans", string(rune('a'+i))+".png"))
		}()
	}
	wg.Wait()

	for i, res := range results {
		require.True(t, res.Success, res.Error)
		assert.Equal(t, "text of "+string(rune('a'+i))+".png", res.Text)
	}
}

func TestProcessExtractorClosed(t *testing.T) {
	p, err := StartProcess(helperConfig())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	res := p.Extract(context.Background(), "/scans/a.png")
	assert.False(t, res.Success)
}

func TestStartProcessRequiresCommand(t *testing.T) {
	_, err := StartProcess(ProcessConfig{})
	assert.Error(t, err)
}

func TestServe(t *testing.T) {
	in := strings.NewReader(`{"id":1,"path":"/x/one.png"}` + "\n" + `{"id":2,"path":"/x/bad.png"}` + "\n")
	var out bytes.Buffer

	require.NoError(t, Serve(context.Background(), in, &out, helperExtractor))

	dec := json.NewDecoder(&out)
	var first, second workResponse
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, "text of one.png", first.Result.Text)
	assert.Equal(t, uint64(2), second.ID)
	assert.False(t, second.Result.Success)
}

func TestServeRejectsMalformedRequest(t *testing.T) {
	err := Serve(context.Background(), strings.NewReader("not json\n"), &bytes.Buffer{}, helperExtractor)
	assert.Error(t, err)
}

func TestProcessFactory(t *testing.T) {
	f := ProcessFactory("helper", helperConfig())
	assert.False(t, f.SharedSafe, "one process per worker")

	ex, err := f.New()
	require.NoError(t, err)
	defer ex.(*ProcessExtractor).Close()

	assert.True(t, ex.Extract(context.Background(), "/scans/z.png").Success)
}
