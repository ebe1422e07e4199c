package sfm

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	mat3d "github.com/flywave/go3d/float64/mat3"
	vec3d "github.com/flywave/go3d/float64/vec3"
	"github.com/pkg/errors"
)

// DefaultDistortionThreshold is the magnitude above which the first radial
// distortion coefficient of an intrinsic triggers a warning: the scene camera
// model is distortion free, so larger coefficients mean visible misalignment.
const DefaultDistortionThreshold = 0.1

// MeshroomOptions selects which node results of a Meshroom project to load
// and controls distortion warnings. The zero value of the node selectors is
// not usable; start from DefaultMeshroomOptions.
type MeshroomOptions struct {
	SfmNode       string
	SfmNodeNumber int

	MeshNode       string
	MeshNodeNumber int

	SuppressDistortionWarnings bool
	DistortionThreshold        float64
}

func DefaultMeshroomOptions() *MeshroomOptions {
	return &MeshroomOptions{
		SfmNode:             NodeAutomatic,
		SfmNodeNumber:       NodeNumberLatest,
		MeshNode:            NodeAutomatic,
		MeshNodeNumber:      NodeNumberLatest,
		DistortionThreshold: DefaultDistortionThreshold,
	}
}

// MeshroomToScene parses Meshroom .sfm/.json exports and .mg project files
// into cameras and points. After a successful Convert of a .mg project,
// MeshFile holds the path of the resolved mesh artifact (empty when the
// project has none) and ImageIndexToCameraIndex maps each pose id to the
// camera's position in the returned slice.
type MeshroomToScene struct {
	options *MeshroomOptions
	logger  golog.Logger

	MeshFile                string
	ImageIndexToCameraIndex map[int64]int
}

func NewMeshroomToScene(logger golog.Logger) *MeshroomToScene {
	return NewMeshroomToSceneWithOptions(DefaultMeshroomOptions(), logger)
}

func NewMeshroomToSceneWithOptions(options *MeshroomOptions, logger golog.Logger) *MeshroomToScene {
	return &MeshroomToScene{options: options, logger: logger}
}

func (cv *MeshroomToScene) Convert(path string) ([]*Camera, []*Point, error) {
	sfmPath, meshPath, err := ResolveProjectFile(path, cv.options, cv.logger)
	if err != nil {
		return nil, nil, err
	}
	cv.MeshFile = meshPath

	if sfmPath == "" {
		cv.logger.Warnf("meshroom project %s does not contain a reconstruction result", path)
		return nil, nil, nil
	}
	data, err := os.ReadFile(sfmPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read sfm file %q", sfmPath)
	}

	cameras, points, indexMap, err := ParseSfm(data, cv.options, cv.logger)
	cv.ImageIndexToCameraIndex = indexMap
	return cameras, points, err
}

// AliceVision quotes every scalar in its JSON exports ("width": "4608"),
// while other producers emit bare numbers. These decode either form.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}

type sfmView struct {
	PoseID      flexInt `json:"poseId"`
	IntrinsicID flexInt `json:"intrinsicId"`
	Path        string  `json:"path"`
	Width       flexInt `json:"width"`
	Height      flexInt `json:"height"`
}

type sfmIntrinsic struct {
	IntrinsicID      flexInt     `json:"intrinsicId"`
	PxFocalLength    flexFloat   `json:"pxFocalLength"`
	PrincipalPoint   []flexFloat `json:"principalPoint"`
	DistortionParams []flexFloat `json:"distortionParams"`
}

type sfmPose struct {
	PoseID flexInt `json:"poseId"`
	Pose   struct {
		Transform struct {
			Rotation []flexFloat `json:"rotation"`
			Center   []flexFloat `json:"center"`
		} `json:"transform"`
	} `json:"pose"`
}

type sfmLandmark struct {
	LandmarkID flexInt     `json:"landmarkId"`
	X          []flexFloat `json:"X"`
	Color      []flexInt   `json:"color"`
}

// uniqueIndex builds a map from an id to the single element carrying it. The
// file format guarantees uniqueness, so a duplicate id is a contract
// violation, not a recoverable parse error.
func uniqueIndex[T any](items []T, key func(*T) int64, kind string) map[int64]*T {
	index := make(map[int64]*T, len(items))
	for i := range items {
		id := key(&items[i])
		if _, dup := index[id]; dup {
			panic(fmt.Sprintf("sfm: duplicate %s id %d", kind, id))
		}
		index[id] = &items[i]
	}
	return index
}

func mustLookup[T any](index map[int64]*T, id int64, kind string) *T {
	ele, ok := index[id]
	if !ok {
		panic(fmt.Sprintf("sfm: no %s with id %d", kind, id))
	}
	return ele
}

// ParseSfm extracts cameras and points from a Meshroom SfM export (the JSON
// written by the StructureFromMotion / ConvertSfMFormat nodes). The returned
// map relates a pose id to the camera's position in the camera slice.
//
// Cameras come from the poses section, not from views: views hold every input
// image while poses hold only the reconstructed subset. A missing
// views/intrinsics/poses key is returned as a *FormatError together with
// empty results, so a caller may choose to continue. A missing structure
// section is not an error; Meshroom omits it when no point cloud was
// requested.
func ParseSfm(data []byte, options *MeshroomOptions, logger golog.Logger) ([]*Camera, []*Point, map[int64]int, error) {
	if options == nil {
		options = DefaultMeshroomOptions()
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, nil, newFormatError("", "sfm file is not a JSON object: %v", err)
	}

	cameras := []*Camera{}
	points := []*Point{}
	indexMap := map[int64]int{}

	for _, key := range []string{"views", "intrinsics", "poses"} {
		if _, ok := doc[key]; !ok {
			err := newFormatError("", "sfm file has no %q section; views, intrinsics and poses are required", key)
			logger.Errorf("%v", err)
			return cameras, points, indexMap, err
		}
	}

	var views []sfmView
	var intrinsics []sfmIntrinsic
	var poses []sfmPose
	if err := json.Unmarshal(doc["views"], &views); err != nil {
		return cameras, points, indexMap, newFormatError("", "invalid views section: %v", err)
	}
	if err := json.Unmarshal(doc["intrinsics"], &intrinsics); err != nil {
		return cameras, points, indexMap, newFormatError("", "invalid intrinsics section: %v", err)
	}
	if err := json.Unmarshal(doc["poses"], &poses); err != nil {
		return cameras, points, indexMap, newFormatError("", "invalid poses section: %v", err)
	}

	viewByPose := uniqueIndex(views, func(v *sfmView) int64 { return int64(v.PoseID) }, "view")
	intrinsicByID := uniqueIndex(intrinsics, func(in *sfmIntrinsic) int64 { return int64(in.IntrinsicID) }, "intrinsic")

	for recIndex, pose := range poses {
		poseID := int64(pose.PoseID)
		view := mustLookup(viewByPose, poseID, "view")
		intrinsic := mustLookup(intrinsicByID, int64(view.IntrinsicID), "intrinsic")

		var cx, cy float64
		if len(intrinsic.PrincipalPoint) >= 2 {
			cx = float64(intrinsic.PrincipalPoint[0])
			cy = float64(intrinsic.PrincipalPoint[1])
		}
		distortion := 0.0
		if len(intrinsic.DistortionParams) > 0 {
			distortion = float64(intrinsic.DistortionParams[0])
		}
		if !options.SuppressDistortionWarnings && math.Abs(distortion) > options.DistortionThreshold {
			logger.Warnf("image %s has radial distortion %g which the scene camera does not model",
				filepath.Base(view.Path), distortion)
		}

		cam := &Camera{
			FileName:         filepath.Base(view.Path),
			AbsolutePath:     view.Path,
			Width:            int(view.Width),
			Height:           int(view.Height),
			Calibration:      calibrationMatrix(float64(intrinsic.PxFocalLength), cx, cy),
			RadialDistortion: distortion,
			ID:               poseID,
		}

		rotation := pose.Pose.Transform.Rotation
		if len(rotation) != 9 {
			return cameras, points, indexMap, newFormatError("", "pose %d has %d rotation values, want 9", poseID, len(rotation))
		}
		// The file stores the transpose of the world-to-camera rotation in
		// row-major order; reading its rows as go3d columns undoes that.
		var r mat3d.T
		for i, v := range rotation {
			r[i/3][i%3] = float64(v)
		}
		cam.SetRotation(r)

		center := pose.Pose.Transform.Center
		if len(center) != 3 {
			return cameras, points, indexMap, newFormatError("", "pose %d has %d center values, want 3", poseID, len(center))
		}
		cam.SetCenter(vec3d.T{float64(center[0]), float64(center[1]), float64(center[2])})
		cam.Normal = cam.ViewDirection()

		indexMap[poseID] = recIndex
		cameras = append(cameras, cam)
	}

	structureRaw, ok := doc["structure"]
	if !ok {
		logger.Warnf("sfm file has no structure section, returning cameras without points")
		return cameras, points, indexMap, nil
	}
	var landmarks []sfmLandmark
	if err := json.Unmarshal(structureRaw, &landmarks); err != nil {
		return cameras, points, indexMap, newFormatError("", "invalid structure section: %v", err)
	}
	for _, landmark := range landmarks {
		if len(landmark.X) != 3 {
			return cameras, points, indexMap, newFormatError("", "landmark %d has %d coordinates, want 3", landmark.LandmarkID, len(landmark.X))
		}
		pt := &Point{
			Coord: vec3d.T{float64(landmark.X[0]), float64(landmark.X[1]), float64(landmark.X[2])},
			ID:    int64(landmark.LandmarkID),
		}
		for i := 0; i < 3 && i < len(landmark.Color); i++ {
			pt.Color[i] = int(landmark.Color[i])
		}
		points = append(points, pt)
	}
	return cameras, points, indexMap, nil
}
