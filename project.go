package sfm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Node type selectors for Meshroom project resolution. NodeAutomatic walks a
// fixed preference order and takes the first node whose output exists.
const (
	NodeConvertSfMFormat    = "ConvertSfMFormat"
	NodeStructureFromMotion = "StructureFromMotion"
	NodeTexturing           = "Texturing"
	NodeMeshFiltering       = "MeshFiltering"
	NodeMeshing             = "Meshing"
	NodeAutomatic           = "AUTOMATIC"
)

// NodeNumberLatest selects the highest instance number present in the graph
// instead of an explicit one.
const NodeNumberLatest = -1

const meshroomCacheDir = "MeshroomCache"

// Output filenames each node type may produce, in priority order.
var sfmNodeCandidates = map[string][]string{
	NodeConvertSfMFormat:    {"sfm.sfm", "sfm.json"},
	NodeStructureFromMotion: {"cameras.sfm"},
}

var meshNodeCandidates = map[string][]string{
	NodeTexturing:     {"texturedMesh.obj"},
	NodeMeshFiltering: {"mesh.obj"},
	NodeMeshing:       {"mesh.obj"},
}

var sfmNodePreference = []string{NodeConvertSfMFormat, NodeStructureFromMotion}

var meshNodePreference = []string{NodeTexturing, NodeMeshFiltering, NodeMeshing}

// mgNode is one node record of a .mg project graph. The uids map holds the
// content address of the node execution; key "0" points at its cache
// directory.
type mgNode struct {
	NodeType string            `json:"nodeType"`
	UIDs     map[string]string `json:"uids"`
}

type mgGraph map[string]mgNode

// latestNode scans instance numbers 1,2,3,... of a node type and returns the
// highest one present. Nodes are keyed "<NodeType>_<n>", numbered from 1
// without gaps, so the scan stops at the first absent key. A missing instance
// 1 means the node type was never run.
func latestNode(graph mgGraph, nodeType string) (mgNode, bool) {
	last := 0
	for {
		if _, ok := graph[fmt.Sprintf("%s_%d", nodeType, last+1)]; !ok {
			break
		}
		last++
	}
	if last == 0 {
		return mgNode{}, false
	}
	return graph[fmt.Sprintf("%s_%d", nodeType, last)], true
}

// getNode resolves a node by type and instance number. NodeNumberLatest maps
// a never-run node type to not-found; an explicit number that is absent from
// the graph is a *FormatError.
func getNode(graph mgGraph, nodeType string, nodeNumber int, mgPath string, logger golog.Logger) (mgNode, bool, error) {
	if nodeNumber == NodeNumberLatest {
		node, ok := latestNode(graph, nodeType)
		return node, ok, nil
	}
	key := fmt.Sprintf("%s_%d", nodeType, nodeNumber)
	node, ok := graph[key]
	if !ok {
		err := newFormatError(mgPath, "project graph has no node %s", key)
		logger.Errorf("%v", err)
		return mgNode{}, false, err
	}
	return node, true, nil
}

// nodeDataPath returns the first candidate output file of the node that
// exists in the cache, or "" when none does.
func nodeDataPath(cacheDir string, node mgNode, candidates []string) string {
	uid, ok := node.UIDs["0"]
	if !ok {
		return ""
	}
	for _, name := range candidates {
		path := filepath.Join(cacheDir, node.NodeType, uid, name)
		if fileExists(path) {
			return path
		}
	}
	return ""
}

func resolveNodeData(cacheDir string, graph mgGraph, nodeType string, nodeNumber int,
	candidates []string, mgPath string, logger golog.Logger,
) (string, error) {
	node, ok, err := getNode(graph, nodeType, nodeNumber, mgPath, logger)
	if err != nil || !ok {
		return "", err
	}
	return nodeDataPath(cacheDir, node, candidates), nil
}

func resolveSelected(cacheDir string, graph mgGraph, selector string, nodeNumber int,
	candidates map[string][]string, preference []string, mgPath string, logger golog.Logger,
) (string, error) {
	if selector == NodeAutomatic {
		for _, nodeType := range preference {
			path, err := resolveNodeData(cacheDir, graph, nodeType, nodeNumber, candidates[nodeType], mgPath, logger)
			if err != nil {
				return "", err
			}
			if path != "" {
				return path, nil
			}
		}
		return "", nil
	}
	names, ok := candidates[selector]
	if !ok {
		panic(fmt.Sprintf("sfm: unsupported node selector %q", selector))
	}
	return resolveNodeData(cacheDir, graph, selector, nodeNumber, names, mgPath, logger)
}

// ResolveProjectGraph reads a .mg project file and locates the SfM export and
// mesh artifact selected by the options inside the project's MeshroomCache.
// Either returned path may be empty: a node type that never ran or whose
// output files are gone is not an error.
func ResolveProjectGraph(mgPath string, options *MeshroomOptions, logger golog.Logger) (string, string, error) {
	if options == nil {
		options = DefaultMeshroomOptions()
	}
	data, err := os.ReadFile(mgPath)
	if err != nil {
		return "", "", errors.Wrapf(err, "read meshroom project %q", mgPath)
	}
	var doc struct {
		Graph mgGraph `json:"graph"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", "", newFormatError(mgPath, "not a JSON project file: %v", err)
	}
	if doc.Graph == nil {
		return "", "", newFormatError(mgPath, "project file has no graph section")
	}

	cacheDir := filepath.Join(filepath.Dir(mgPath), meshroomCacheDir)

	sfmPath, err := resolveSelected(cacheDir, doc.Graph, options.SfmNode, options.SfmNodeNumber,
		sfmNodeCandidates, sfmNodePreference, mgPath, logger)
	if err != nil {
		return "", "", err
	}
	meshPath, err := resolveSelected(cacheDir, doc.Graph, options.MeshNode, options.MeshNodeNumber,
		meshNodeCandidates, meshNodePreference, mgPath, logger)
	if err != nil {
		return "", "", err
	}

	if sfmPath != "" {
		logger.Infof("resolved sfm file %s", sfmPath)
	} else {
		logger.Infof("meshroom project %s has no matching sfm result", mgPath)
	}
	if meshPath != "" {
		logger.Infof("resolved mesh file %s", meshPath)
	} else {
		logger.Infof("meshroom project %s has no matching mesh result", mgPath)
	}
	return sfmPath, meshPath, nil
}

// ResolveProjectFile dispatches on the file extension: a .mg project is
// resolved through its node graph, while .sfm/.json exports are used directly
// and carry no mesh artifact. Any other extension is a programming error.
func ResolveProjectFile(path string, options *MeshroomOptions, logger golog.Logger) (string, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mg":
		return ResolveProjectGraph(path, options, logger)
	case ".sfm", ".json":
		return path, "", nil
	default:
		panic(fmt.Sprintf("sfm: unsupported meshroom file extension %q", filepath.Ext(path)))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
