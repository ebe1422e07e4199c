package sfm

import (
	"math"

	mat3d "github.com/flywave/go3d/float64/mat3"
	mat4d "github.com/flywave/go3d/float64/mat4"
	quatd "github.com/flywave/go3d/float64/quaternion"
	vec3d "github.com/flywave/go3d/float64/vec3"
)

// Camera is a reconstructed view: a world-to-camera rotation, the camera
// center in world coordinates and the pinhole intrinsics of the source image.
// The rotation, center and translation are kept mutually consistent through
// the setters (t = -R*C), so the pose can never be observed out of sync.
//
// The stored values keep the coordinate convention of the source format
// (computer-vision camera axes: image y down, looking along +z). No
// conversion to a graphics convention happens here.
type Camera struct {
	FileName     string
	AbsolutePath string
	RelativePath string

	// Calibration is the upper triangular intrinsic matrix
	// (go3d matrices are stored as column vectors).
	Calibration      mat3d.T
	RadialDistortion float64

	Width  int
	Height int

	// Normal is the viewing direction in world coordinates, derived from the
	// rotation when a file is parsed.
	Normal vec3d.T

	ID int64

	rotation    mat3d.T
	center      vec3d.T
	translation vec3d.T
}

// Rotation returns the world-to-camera rotation matrix.
func (c *Camera) Rotation() mat3d.T { return c.rotation }

// Center returns the camera position in world coordinates.
func (c *Camera) Center() vec3d.T { return c.center }

// Translation returns the cached translation vector t = -R*C.
func (c *Camera) Translation() vec3d.T { return c.translation }

// SetRotation replaces the rotation matrix and recomputes the translation.
// The matrix is expected to be orthonormal.
func (c *Camera) SetRotation(r mat3d.T) {
	c.rotation = r
	c.updateTranslation()
}

// SetCenter replaces the camera center and recomputes the translation. This
// is the "camera center after rotation" convention of the PBA/VisualSFM
// lineage: the stored center is the world position, not -R^T*t.
func (c *Camera) SetCenter(center vec3d.T) {
	c.center = center
	c.updateTranslation()
}

// SetQuaternion sets the rotation from a (w,x,y,z) encoded quaternion. The
// quaternion is normalized before conversion.
func (c *Camera) SetQuaternion(q quatd.T) {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n > 0 {
		for i := range q {
			q[i] /= n
		}
	}
	m := mat4d.Ident
	m.AssignQuaternion(&q)
	for col := 0; col < 3; col++ {
		for row := 0; row < 3; row++ {
			c.rotation[col][row] = m[col][row]
		}
	}
	c.updateTranslation()
}

// Quaternion extracts the rotation as a unit quaternion, x,y,z,w ordered like
// the go3d quaternion type.
func (c *Camera) Quaternion() quatd.T {
	// Shepperd's method on a row-major copy of the rotation.
	var r [3][3]float64
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			r[row][col] = c.rotation[col][row]
		}
	}
	var q quatd.T
	trace := r[0][0] + r[1][1] + r[2][2]
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(trace+1)
		q[3] = s / 4
		q[0] = (r[2][1] - r[1][2]) / s
		q[1] = (r[0][2] - r[2][0]) / s
		q[2] = (r[1][0] - r[0][1]) / s
	case r[0][0] > r[1][1] && r[0][0] > r[2][2]:
		s := 2 * math.Sqrt(1+r[0][0]-r[1][1]-r[2][2])
		q[3] = (r[2][1] - r[1][2]) / s
		q[0] = s / 4
		q[1] = (r[0][1] + r[1][0]) / s
		q[2] = (r[0][2] + r[2][0]) / s
	case r[1][1] > r[2][2]:
		s := 2 * math.Sqrt(1+r[1][1]-r[0][0]-r[2][2])
		q[3] = (r[0][2] - r[2][0]) / s
		q[0] = (r[0][1] + r[1][0]) / s
		q[1] = s / 4
		q[2] = (r[1][2] + r[2][1]) / s
	default:
		s := 2 * math.Sqrt(1+r[2][2]-r[0][0]-r[1][1])
		q[3] = (r[1][0] - r[0][1]) / s
		q[0] = (r[0][2] + r[2][0]) / s
		q[1] = (r[1][2] + r[2][1]) / s
		q[2] = s / 4
	}
	return q
}

// ViewDirection returns the camera forward axis (0,0,1) transformed into
// world coordinates, i.e. R^T * (0,0,1).
func (c *Camera) ViewDirection() vec3d.T {
	return vec3d.T{c.rotation[0][2], c.rotation[1][2], c.rotation[2][2]}
}

// FocalLength returns the focal length in pixels.
func (c *Camera) FocalLength() float64 { return c.Calibration[0][0] }

// PrincipalPoint returns the principal point in pixels.
func (c *Camera) PrincipalPoint() (float64, float64) {
	return c.Calibration[2][0], c.Calibration[2][1]
}

// x_cam = R*(X - C) = R*X - R*C = R*X + t  =>  t = -R*C
func (c *Camera) updateTranslation() {
	t := c.rotation.MulVec3(&c.center)
	c.translation = vec3d.T{-t[0], -t[1], -t[2]}
}

func calibrationMatrix(focalLength, cx, cy float64) mat3d.T {
	m := mat3d.Ident
	m[0][0] = focalLength
	m[1][1] = focalLength
	m[2][0] = cx
	m[2][1] = cy
	return m
}

// Measurement is the observation of a 3D point in one image: the image and
// feature index plus the pixel position of the feature.
type Measurement struct {
	ImageIndex   int
	FeatureIndex int
	X            float64
	Y            float64
}

// Point is a reconstructed 3D point with its color and, for formats that
// carry them, the per-image observations of the point.
type Point struct {
	Coord        vec3d.T
	Color        [3]int
	Measurements []Measurement
	ID           int64

	// Scalars is an open-ended auxiliary payload, nil unless a caller
	// attaches data to the point.
	Scalars map[string]float64
}
