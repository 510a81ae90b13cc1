package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/library-sync/internal/codec"
	"github.com/example/library-sync/internal/library"
	"github.com/example/library-sync/internal/types"
)

// seed writes an object, a tag, a tag link and a tag update into a fresh
// database and returns its path.
func seed(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "library.db")
	opts := &RootOptions{Database: path, Library: "lib-1", Format: "text"}

	r, err := opts.open(ctx, NewRootCommand())
	require.NoError(t, err)
	defer r.Close()

	lib := library.New(r.m)
	obj, err := lib.CreateObject(ctx, uuid.New(), types.Fields(types.F("kind", 5)))
	require.NoError(t, err)
	tag, err := lib.CreateTag(ctx, uuid.New(), types.Fields(types.F("name", "Work")))
	require.NoError(t, err)
	require.NoError(t, lib.TagObject(ctx, obj, tag))
	require.NoError(t, lib.Update(ctx, tag, "color", "red"))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--library", "lib-1"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "--format", "yaml", "identity", "--db", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestIdentity(t *testing.T) {
	path := seed(t)

	out, err := execute(t, "--db", path, "--format", "json", "identity")
	require.NoError(t, err)

	var res identityResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "lib-1", res.Library)
	require.Len(t, res.Nodes, 1)
	assert.True(t, res.Nodes[0].Local)
	assert.False(t, res.Nodes[0].Placeholder)
	assert.Equal(t, res.Node, res.Nodes[0].PubID)

	again, err := execute(t, "--db", path, "--format", "json", "identity")
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestOpsStats(t *testing.T) {
	path := seed(t)

	out, err := execute(t, "--db", path, "--format", "json", "ops", "stats")
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.EqualValues(t, 0, res["owned"])
	assert.EqualValues(t, 3, res["shared"])
	assert.EqualValues(t, 1, res["relation"])
	assert.EqualValues(t, 4, res["total"])

	out, err = execute(t, "--db", path, "ops", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "total     4")
}

func TestOpsDump(t *testing.T) {
	path := seed(t)

	t.Run("text", func(t *testing.T) {
		out, err := execute(t, "--db", path, "ops", "dump")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 4)
		assert.Contains(t, lines[0], "shared")
		assert.Contains(t, lines[2], "relation")
		assert.Contains(t, lines[2], library.RelationTagOnObj)
	})

	t.Run("limit", func(t *testing.T) {
		out, err := execute(t, "--db", path, "ops", "dump", "--limit", "2")
		require.NoError(t, err)
		assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
	})

	t.Run("json lines decode", func(t *testing.T) {
		out, err := execute(t, "--db", path, "--format", "json", "ops", "dump")
		require.NoError(t, err)
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			_, err := codec.JSON{}.Decode([]byte(line))
			require.NoError(t, err)
		}
	})

	t.Run("msgpack lines are base64", func(t *testing.T) {
		out, err := execute(t, "--db", path, "--format", "json", "ops", "dump", "--codec", "msgpack")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 4)
		raw, err := base64.StdEncoding.DecodeString(lines[3])
		require.NoError(t, err)
		op, err := codec.MsgPack{}.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, library.ModelTag, op.Typ.ModelName())
	})

	t.Run("since skips older", func(t *testing.T) {
		out, err := execute(t, "--db", path, "--format", "json", "ops", "dump")
		require.NoError(t, err)
		first, err := codec.JSON{}.Decode([]byte(strings.Split(out, "\n")[0]))
		require.NoError(t, err)

		out, err = execute(t, "--db", path, "ops", "dump", "--since", first.Timestamp.String())
		require.NoError(t, err)
		assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)
	})

	t.Run("bad flags", func(t *testing.T) {
		_, err := execute(t, "--db", path, "ops", "dump", "--since", "soon")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		_, err = execute(t, "--db", path, "ops", "dump", "--codec", "xml")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestExportImport_ReplicaConverges(t *testing.T) {
	src := seed(t)
	backup := filepath.Join(t.TempDir(), "backup.json")

	_, err := execute(t, "--db", src, "ops", "export", "--out", backup)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "replica.db")
	out, err := execute(t, "--db", dst, "--format", "json", "ops", "import", backup)
	require.NoError(t, err)
	var res map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 4, res["operations"])
	assert.Equal(t, 4, res["applied"])
	assert.Zero(t, res["failed"])

	want, err := execute(t, "--db", src, "--format", "json", "state")
	require.NoError(t, err)
	got, err := execute(t, "--db", dst, "--format", "json", "state")
	require.NoError(t, err)
	assert.JSONEq(t, want, got)

	// Importing again is a no-op.
	_, err = execute(t, "--db", dst, "ops", "import", backup)
	require.NoError(t, err)
	stats, err := execute(t, "--db", dst, "ops", "stats")
	require.NoError(t, err)
	assert.Contains(t, stats, "total     4")
}

func TestImport_Errors(t *testing.T) {
	src := seed(t)
	backup := filepath.Join(t.TempDir(), "backup.json")
	_, err := execute(t, "--db", src, "ops", "export", "--out", backup)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "replica.db")

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "--db", dst, "ops", "import", filepath.Join(t.TempDir(), "nope.json"))
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("other library", func(t *testing.T) {
		_, err := execute(t, "--db", dst, "--library", "lib-2", "ops", "import", backup)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, err.Error(), "lib-2")
	})

	t.Run("not a snapshot", func(t *testing.T) {
		junk := filepath.Join(t.TempDir(), "junk.json")
		require.NoError(t, os.WriteFile(junk, []byte("{"), 0o644))
		_, err := execute(t, "--db", dst, "ops", "import", junk)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestExportToStdout(t *testing.T) {
	path := seed(t)

	out, err := execute(t, "--db", path, "ops", "export", "--out", "-")
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Len(t, payload["operations"], 4)
}

func TestState(t *testing.T) {
	path := seed(t)

	out, err := execute(t, "--db", path, "state")
	require.NoError(t, err)
	assert.Contains(t, out, library.ModelTag)
	assert.Contains(t, out, library.RelationTagOnObj)

	out, err = execute(t, "--db", path, "--format", "json", "state")
	require.NoError(t, err)
	var state library.State
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Len(t, state[library.ModelTag], 1)
	assert.Len(t, state[library.ModelObject], 1)
	assert.Len(t, state[library.RelationTagOnObj], 1)
}
