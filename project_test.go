package sfm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mgFixture = `{
  "header": {"releaseVersion": "2021.1.0"},
  "graph": {
    "CameraInit_1": {"nodeType": "CameraInit", "uids": {"0": "aaa111"}},
    "StructureFromMotion_1": {"nodeType": "StructureFromMotion", "uids": {"0": "sfm111"}},
    "StructureFromMotion_2": {"nodeType": "StructureFromMotion", "uids": {"0": "sfm222"}},
    "Texturing_1": {"nodeType": "Texturing", "uids": {"0": "tex111"}}
  }
}`

// writeProjectFixture lays out a .mg file plus a MeshroomCache where only
// StructureFromMotion_2 and Texturing_1 actually produced output files.
func writeProjectFixture(t *testing.T) (string, string, string) {
	t.Helper()
	dir := t.TempDir()
	mgPath := filepath.Join(dir, "project.mg")
	require.NoError(t, os.WriteFile(mgPath, []byte(mgFixture), 0o644))

	sfmOut := filepath.Join(dir, "MeshroomCache", "StructureFromMotion", "sfm222", "cameras.sfm")
	require.NoError(t, os.MkdirAll(filepath.Dir(sfmOut), 0o755))
	require.NoError(t, os.WriteFile(sfmOut, []byte(sfmFixture), 0o644))

	meshOut := filepath.Join(dir, "MeshroomCache", "Texturing", "tex111", "texturedMesh.obj")
	require.NoError(t, os.MkdirAll(filepath.Dir(meshOut), 0o755))
	require.NoError(t, os.WriteFile(meshOut, []byte("v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"), 0o644))

	return mgPath, sfmOut, meshOut
}

func TestResolveProjectGraphLatest(t *testing.T) {
	mgPath, sfmOut, meshOut := writeProjectFixture(t)

	options := DefaultMeshroomOptions()
	options.SfmNode = NodeStructureFromMotion

	sfmPath, meshPath, err := ResolveProjectGraph(mgPath, options, golog.NewTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, sfmOut, sfmPath, "latest resolution picks instance 2")
	assert.Equal(t, meshOut, meshPath)
}

func TestResolveProjectGraphExplicitInstance(t *testing.T) {
	mgPath, _, _ := writeProjectFixture(t)
	logger := golog.NewTestLogger(t)

	// Instance 1 exists in the graph but its cache files are gone: not found,
	// not an error.
	options := DefaultMeshroomOptions()
	options.SfmNode = NodeStructureFromMotion
	options.SfmNodeNumber = 1
	sfmPath, _, err := ResolveProjectGraph(mgPath, options, logger)
	require.NoError(t, err)
	assert.Empty(t, sfmPath)

	// Instance 3 is absent from the graph entirely: an explicitly requested
	// node that does not exist is a format error.
	options.SfmNodeNumber = 3
	_, _, err = ResolveProjectGraph(mgPath, options, logger)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestResolveProjectGraphAutomatic(t *testing.T) {
	mgPath, sfmOut, _ := writeProjectFixture(t)
	dir := filepath.Dir(mgPath)

	// Automatic falls back to StructureFromMotion when no ConvertSfMFormat
	// node ran.
	sfmPath, _, err := ResolveProjectGraph(mgPath, DefaultMeshroomOptions(), golog.NewTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, sfmOut, sfmPath)

	// Once a ConvertSfMFormat output appears it takes precedence.
	converted := filepath.Join(dir, "MeshroomCache", "ConvertSfMFormat", "conv111", "sfm.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(converted), 0o755))
	require.NoError(t, os.WriteFile(converted, []byte(sfmFixture), 0o644))

	appendNodeToProject(t, mgPath, "ConvertSfMFormat_1", "ConvertSfMFormat", "conv111")

	sfmPath, _, err = ResolveProjectGraph(mgPath, DefaultMeshroomOptions(), golog.NewTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, converted, sfmPath)
}

func appendNodeToProject(t *testing.T, mgPath, key, nodeType, uid string) {
	t.Helper()
	data, err := os.ReadFile(mgPath)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	var graph map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["graph"], &graph))
	node, err := json.Marshal(mgNode{NodeType: nodeType, UIDs: map[string]string{"0": uid}})
	require.NoError(t, err)
	graph[key] = node
	rawGraph, err := json.Marshal(graph)
	require.NoError(t, err)
	doc["graph"] = rawGraph
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mgPath, out, 0o644))
}

func TestResolveProjectGraphNeverRunNode(t *testing.T) {
	dir := t.TempDir()
	mgPath := filepath.Join(dir, "empty.mg")
	require.NoError(t, os.WriteFile(mgPath, []byte(`{"graph": {}}`), 0o644))

	sfmPath, meshPath, err := ResolveProjectGraph(mgPath, DefaultMeshroomOptions(), golog.NewTestLogger(t))
	require.NoError(t, err, "a node type that never ran is not an error")
	assert.Empty(t, sfmPath)
	assert.Empty(t, meshPath)
}

func TestResolveProjectFileDispatch(t *testing.T) {
	logger := golog.NewTestLogger(t)

	sfmPath, meshPath, err := ResolveProjectFile("/some/where/cameras.sfm", nil, logger)
	require.NoError(t, err)
	assert.Equal(t, "/some/where/cameras.sfm", sfmPath)
	assert.Empty(t, meshPath, "direct sfm files carry no mesh artifact")

	jsonPath, _, err := ResolveProjectFile("/some/where/sfm.JSON", nil, logger)
	require.NoError(t, err)
	assert.Equal(t, "/some/where/sfm.JSON", jsonPath)

	assert.Panics(t, func() {
		_, _, _ = ResolveProjectFile("/some/where/scene.ply", nil, logger)
	})
}

func TestMeshroomConvertProject(t *testing.T) {
	mgPath, _, meshOut := writeProjectFixture(t)

	cv := NewMeshroomToScene(golog.NewTestLogger(t))
	cameras, points, err := cv.Convert(mgPath)
	require.NoError(t, err)
	require.Len(t, cameras, 1)
	require.Len(t, points, 2)
	assert.Equal(t, meshOut, cv.MeshFile)
	assert.Equal(t, map[int64]int{200: 0}, cv.ImageIndexToCameraIndex)
}

func TestMeshroomConvertProjectWithoutResults(t *testing.T) {
	dir := t.TempDir()
	mgPath := filepath.Join(dir, "empty.mg")
	require.NoError(t, os.WriteFile(mgPath, []byte(`{"graph": {}}`), 0o644))

	cv := NewMeshroomToScene(golog.NewTestLogger(t))
	cameras, points, err := cv.Convert(mgPath)
	require.NoError(t, err)
	assert.Empty(t, cameras)
	assert.Empty(t, points)
	assert.Empty(t, cv.MeshFile)
}
