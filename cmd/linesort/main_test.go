package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortThenVerify(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(in, []byte("3.b\n20.a\r\n1.b\n2.a\n"), 0o644))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"sort", "--log-format=json", "--buffer-size=4096", "--max-memory-for-lines=65536", in, out}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stderr.String(), `"message":"sorted"`)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "2.a\n20.a\r\n1.b\n3.b\n", string(got))

	stdout.Reset()
	require.NoError(t, run(context.Background(), []string{"verify", "--input", in, out}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "sorted, 4 lines")

	err = run(context.Background(), []string{"verify", in}, &stdout, &stderr)
	assert.ErrorContains(t, err, "line 2 is out of order")
}

func TestConfigCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"config", "--sorting-segment=byte"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "sortingSegment: byte")
}

func TestUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Error(t, run(context.Background(), nil, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{"shuffle"}, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{"sort", "only-one"}, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{"verify"}, &stdout, &stderr))
}
