package fs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/foreman/runtime/agent/criteria"
	"goa.design/foreman/runtime/agent/tools"
)

func testContext(t *testing.T) *tools.Context {
	t.Helper()
	return &tools.Context{Memory: &tools.Memory{ProjectRoot: t.TempDir()}}
}

func TestRegisterAddsAllTools(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, Register(reg))
	for _, name := range []tools.Ident{WriteFileTool, ReadFileTool, CheckFileExistsTool, CheckFileContainsTool} {
		_, ok := reg.Lookup(name)
		require.True(t, ok, "missing %s", name)
	}
}

func TestToolNamesMatchCriteriaSelectors(t *testing.T) {
	require.Equal(t, criteria.CheckFileExistsTool, string(CheckFileExistsTool))
	require.Equal(t, criteria.CheckFileContainsTool, string(CheckFileContainsTool))
}

func TestWriteFileCreatesParentDirs(t *testing.T) {
	tctx := testContext(t)
	res := runWriteFile(context.Background(), map[string]any{
		"path":    "src/app/main.rs",
		"content": "fn main() {}\n",
	}, tctx)

	require.True(t, res.OK)
	require.Equal(t, "src/app/main.rs", res.Data["path"])
	require.Equal(t, len("fn main() {}\n"), res.Data["bytes"])
	require.NotNil(t, res.Meta)
	require.Equal(t, []string{"src/app/main.rs"}, res.Meta.TouchedPaths)

	raw, err := os.ReadFile(filepath.Join(tctx.Memory.ProjectRoot, "src", "app", "main.rs"))
	require.NoError(t, err)
	require.Equal(t, "fn main() {}\n", string(raw))
}

func TestWriteFileRejectsEscapingPath(t *testing.T) {
	tctx := testContext(t)
	res := runWriteFile(context.Background(), map[string]any{
		"path":    "../escape.txt",
		"content": "nope",
	}, tctx)

	require.False(t, res.OK)
	require.Equal(t, "invalid_path", res.Error.Code)
	require.Contains(t, res.Error.Message, "outside the project root")
	_, err := os.Stat(filepath.Join(filepath.Dir(tctx.Memory.ProjectRoot), "escape.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestReadFileRoundTrip(t *testing.T) {
	tctx := testContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tctx.Memory.ProjectRoot, "notes.md"), []byte("hello"), 0o644))

	res := runReadFile(context.Background(), map[string]any{"path": "notes.md"}, tctx)
	require.True(t, res.OK)
	require.Equal(t, "hello", res.Data["content"])
	require.Equal(t, 5, res.Data["bytes"])
	require.NotContains(t, res.Data, "truncated")
}

func TestReadFileMissing(t *testing.T) {
	res := runReadFile(context.Background(), map[string]any{"path": "missing.txt"}, testContext(t))
	require.False(t, res.OK)
	require.Equal(t, "not_found", res.Error.Code)
	require.Equal(t, `path "missing.txt" does not exist`, res.Error.Message)
}

func TestReadFileTruncatesLargeContent(t *testing.T) {
	tctx := testContext(t)
	big := strings.Repeat("x", maxReadBytes+512)
	require.NoError(t, os.WriteFile(filepath.Join(tctx.Memory.ProjectRoot, "big.log"), []byte(big), 0o644))

	res := runReadFile(context.Background(), map[string]any{"path": "big.log"}, tctx)
	require.True(t, res.OK)
	require.Equal(t, true, res.Data["truncated"])
	require.Len(t, res.Data["content"], maxReadBytes)
	require.Equal(t, len(big), res.Data["bytes"])
}

func TestCheckFileExists(t *testing.T) {
	tctx := testContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tctx.Memory.ProjectRoot, "a.txt"), []byte("a"), 0o644))

	res := runCheckFileExists(context.Background(), map[string]any{"path": "a.txt"}, tctx)
	require.True(t, res.OK)

	res = runCheckFileExists(context.Background(), map[string]any{"path": "b.txt"}, tctx)
	require.False(t, res.OK)
	require.Equal(t, "not_found", res.Error.Code)
	require.Equal(t, `path "b.txt" does not exist`, res.Error.Message)
}

func TestCheckFileExistsRejectsEscapingPath(t *testing.T) {
	tctx := testContext(t)
	outside := filepath.Join(filepath.Dir(tctx.Memory.ProjectRoot), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("s"), 0o644))
	t.Cleanup(func() { _ = os.Remove(outside) })

	res := runCheckFileExists(context.Background(), map[string]any{"path": "../secret.txt"}, tctx)
	require.False(t, res.OK)
	require.Equal(t, "invalid_path", res.Error.Code)
	require.Contains(t, res.Error.Message, "outside the project root")
}

func TestCheckFileContains(t *testing.T) {
	tctx := testContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tctx.Memory.ProjectRoot, "Cargo.toml"), []byte("[package]\nname = \"demo\"\n"), 0o644))

	res := runCheckFileContains(context.Background(), map[string]any{"path": "Cargo.toml", "contains": "[package]"}, tctx)
	require.True(t, res.OK)

	res = runCheckFileContains(context.Background(), map[string]any{"path": "Cargo.toml", "contains": "[workspace]"}, tctx)
	require.False(t, res.OK)
	require.Equal(t, "not_matched", res.Error.Code)
	require.Equal(t, `file "Cargo.toml" does not contain "[workspace]"`, res.Error.Message)

	res = runCheckFileContains(context.Background(), map[string]any{"path": "missing.toml", "contains": "x"}, tctx)
	require.False(t, res.OK)
	require.Equal(t, "not_found", res.Error.Code)
}

func TestWriteFileSchemaRejectsMissingContent(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, Register(reg))
	tool, ok := reg.Lookup(WriteFileTool)
	require.True(t, ok)

	err := tool.ValidateInput(map[string]any{"path": "a.txt"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}
