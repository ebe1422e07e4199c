package sfm

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	quatd "github.com/flywave/go3d/float64/quaternion"
	vec3d "github.com/flywave/go3d/float64/vec3"
	"github.com/pkg/errors"
)

// NVM_V3 text layout, documented at http://ccwu.me/vsfm/doc.html#nvm:
//
//	NVM_V3
//	<blank>
//	<number of cameras>
//	<file name> <focal length> <quaternion WXYZ> <camera center XYZ> <radial distortion> 0
//	<blank>
//	<number of points>
//	<XYZ> <RGB> <number of measurements> <image index> <feature index> <x> <y> ...
//
// Only a single reconstruction block is supported; the multi-model extension
// and the PLY association trailer are ignored.
const nvmHeader = "NVM_V3"

const nvmCameraFieldCount = 11

// NvmToScene parses VisualSFM NVM files into cameras and points.
//
// The NVM camera convention is the standard computer-vision one: the image y
// axis points down and the camera looks along +z, i.e. rotated 180 degrees
// about x relative to the usual graphics camera. Values are stored exactly as
// encoded; converting conventions is left to the consumer.
type NvmToScene struct {
	logger golog.Logger
}

func NewNvmToScene(logger golog.Logger) *NvmToScene {
	return &NvmToScene{logger: logger}
}

func (cv *NvmToScene) Convert(path string) ([]*Camera, []*Point, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open nvm file %q", path)
	}
	defer file.Close()
	return cv.parse(file, path)
}

func (cv *NvmToScene) parse(r io.Reader, path string) ([]*Camera, []*Point, error) {
	scanner := bufio.NewScanner(r)
	// Measurement lists can make point lines very long.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line, ok := nextLine(scanner)
	if !ok || strings.TrimSpace(line) != nvmHeader {
		return nil, nil, newFormatError(path, "missing %s header", nvmHeader)
	}
	line, ok = nextLine(scanner)
	if !ok || strings.TrimSpace(line) != "" {
		return nil, nil, newFormatError(path, "expected blank line after %s header", nvmHeader)
	}

	line, ok = nextLine(scanner)
	if !ok {
		return nil, nil, newFormatError(path, "missing camera count")
	}
	numCameras, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || numCameras < 0 {
		return nil, nil, newFormatError(path, "invalid camera count %q", strings.TrimSpace(line))
	}
	cv.logger.Infof("nvm file %s declares %d cameras", path, numCameras)

	cameras, err := cv.parseCameras(scanner, numCameras, path)
	if err != nil {
		return nil, nil, err
	}

	// Blank separator between the camera and point sections. A file ending
	// right after the cameras has no point section at all.
	line, ok = nextLine(scanner)
	if !ok {
		return cameras, nil, nil
	}
	if strings.TrimSpace(line) != "" {
		return nil, nil, newFormatError(path, "expected blank line after camera section")
	}

	// The next line is a point count only if it parses as a non-negative
	// integer. Anything else (including EOF) means the producer omitted the
	// point section, which is tolerated. This deliberately conflates "zero
	// points declared" with "no count given at all".
	line, ok = nextLine(scanner)
	if !ok {
		return cameras, nil, nil
	}
	numPoints, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || numPoints < 0 {
		cv.logger.Infof("nvm file %s has no point section", path)
		return cameras, nil, nil
	}
	cv.logger.Infof("nvm file %s declares %d points", path, numPoints)

	points, err := cv.parsePoints(scanner, numPoints, path)
	if err != nil {
		return nil, nil, err
	}
	return cameras, points, nil
}

func (cv *NvmToScene) parseCameras(scanner *bufio.Scanner, numCameras int, path string) ([]*Camera, error) {
	cameras := make([]*Camera, 0, numCameras)
	for i := 0; i < numCameras; i++ {
		line, ok := nextLine(scanner)
		if !ok {
			return nil, newFormatError(path, "camera section ends after %d of %d cameras", i, numCameras)
		}
		fields := strings.Fields(line)
		if len(fields) < nvmCameraFieldCount {
			return nil, newFormatError(path, "camera record %d has %d fields, want %d", i, len(fields), nvmCameraFieldCount)
		}

		values := make([]float64, nvmCameraFieldCount-1)
		for j := 1; j < nvmCameraFieldCount; j++ {
			v, err := strconv.ParseFloat(fields[j], 64)
			if err != nil {
				return nil, newFormatError(path, "camera record %d: invalid number %q", i, fields[j])
			}
			values[j-1] = v
		}
		if values[9] != 0 {
			return nil, newFormatError(path, "camera record %d: terminator is %v, want 0", i, values[9])
		}

		cam := &Camera{
			FileName:         filepath.Base(fields[0]),
			RelativePath:     fields[0],
			Calibration:      calibrationMatrix(values[0], 0, 0),
			RadialDistortion: values[8],
			ID:               int64(i),
		}
		// Quaternion is stored WXYZ, go3d orders XYZW.
		cam.SetQuaternion(quatd.T{values[2], values[3], values[4], values[1]})
		cam.SetCenter(vec3d.T{values[5], values[6], values[7]})
		cam.Normal = cam.ViewDirection()
		cameras = append(cameras, cam)
	}
	return cameras, nil
}

func (cv *NvmToScene) parsePoints(scanner *bufio.Scanner, numPoints int, path string) ([]*Point, error) {
	points := make([]*Point, 0, numPoints)
	for i := 0; i < numPoints; i++ {
		line, ok := nextLine(scanner)
		if !ok {
			return nil, newFormatError(path, "point section ends after %d of %d points", i, numPoints)
		}
		fields := strings.Fields(line)
		if len(fields) < 7 {
			return nil, newFormatError(path, "point record %d has %d fields, want at least 7", i, len(fields))
		}

		pt := &Point{ID: int64(i)}
		for j := 0; j < 3; j++ {
			v, err := strconv.ParseFloat(fields[j], 64)
			if err != nil {
				return nil, newFormatError(path, "point record %d: invalid coordinate %q", i, fields[j])
			}
			pt.Coord[j] = v
		}
		for j := 0; j < 3; j++ {
			v, err := strconv.Atoi(fields[3+j])
			if err != nil {
				return nil, newFormatError(path, "point record %d: invalid color %q", i, fields[3+j])
			}
			pt.Color[j] = v
		}
		numMeasurements, err := strconv.Atoi(fields[6])
		if err != nil || numMeasurements < 0 {
			return nil, newFormatError(path, "point record %d: invalid measurement count %q", i, fields[6])
		}
		rest := fields[7:]
		if len(rest) < 4*numMeasurements {
			return nil, newFormatError(path, "point record %d declares %d measurements but carries %d values",
				i, numMeasurements, len(rest))
		}

		pt.Measurements = make([]Measurement, 0, numMeasurements)
		for m := 0; m < numMeasurements; m++ {
			group := rest[m*4 : m*4+4]
			imageIndex, err := strconv.Atoi(group[0])
			if err != nil {
				return nil, newFormatError(path, "point record %d: invalid image index %q", i, group[0])
			}
			featureIndex, err := strconv.Atoi(group[1])
			if err != nil {
				return nil, newFormatError(path, "point record %d: invalid feature index %q", i, group[1])
			}
			x, err := strconv.ParseFloat(group[2], 64)
			if err != nil {
				return nil, newFormatError(path, "point record %d: invalid measurement x %q", i, group[2])
			}
			y, err := strconv.ParseFloat(group[3], 64)
			if err != nil {
				return nil, newFormatError(path, "point record %d: invalid measurement y %q", i, group[3])
			}
			pt.Measurements = append(pt.Measurements, Measurement{
				ImageIndex:   imageIndex,
				FeatureIndex: featureIndex,
				X:            x,
				Y:            y,
			})
		}
		points = append(points, pt)
	}
	return points, nil
}

func nextLine(scanner *bufio.Scanner) (string, bool) {
	if !scanner.Scan() {
		return "", false
	}
	return scanner.Text(), true
}

// WriteNvmFile serializes cameras and points to an NVM_V3 file. The input is
// not validated or mutated. Radial distortion is always written as 0, which
// is a known lossy property of this writer.
func WriteNvmFile(path string, cameras []*Camera, points []*Point, logger golog.Logger) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create nvm file %q", path)
	}
	logger.Infof("writing %d cameras and %d points to %s", len(cameras), len(points), path)
	if err := WriteNvm(file, cameras, points); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// WriteNvm writes the NVM_V3 serialization of cameras and points to w.
func WriteNvm(w io.Writer, cameras []*Camera, points []*Point) error {
	bw := bufio.NewWriter(w)

	bw.WriteString(nvmHeader + "\n\n")
	bw.WriteString(strconv.Itoa(len(cameras)) + "\n")
	for _, cam := range cameras {
		q := cam.Quaternion()
		center := cam.Center()
		bw.WriteString(cam.FileName)
		bw.WriteByte('\t')
		bw.WriteString(formatFloat(cam.FocalLength()))
		// WXYZ on disk.
		for _, v := range []float64{q[3], q[0], q[1], q[2], center[0], center[1], center[2]} {
			bw.WriteByte(' ')
			bw.WriteString(formatFloat(v))
		}
		bw.WriteString(" 0 0\n")
	}

	bw.WriteString("\n")
	bw.WriteString(strconv.Itoa(len(points)) + "\n")
	for _, pt := range points {
		bw.WriteString(formatFloat(pt.Coord[0]))
		bw.WriteByte(' ')
		bw.WriteString(formatFloat(pt.Coord[1]))
		bw.WriteByte(' ')
		bw.WriteString(formatFloat(pt.Coord[2]))
		for _, c := range pt.Color {
			bw.WriteByte(' ')
			bw.WriteString(strconv.Itoa(c))
		}
		bw.WriteByte(' ')
		bw.WriteString(strconv.Itoa(len(pt.Measurements)))
		for _, m := range pt.Measurements {
			bw.WriteByte(' ')
			bw.WriteString(strconv.Itoa(m.ImageIndex))
			bw.WriteByte(' ')
			bw.WriteString(strconv.Itoa(m.FeatureIndex))
			bw.WriteByte(' ')
			bw.WriteString(formatFloat(m.X))
			bw.WriteByte(' ')
			bw.WriteString(formatFloat(m.Y))
		}
		bw.WriteByte('\n')
	}

	// Fixed trailer: no associated PLY models.
	bw.WriteString("\n\n\n0\n\n")
	bw.WriteString("#the last part of NVM file points to the PLY files\n")
	bw.WriteString("#the first number is the number of associated PLY files\n")
	bw.WriteString("#each following number gives a model-index that has PLY\n")
	bw.WriteString("0\n")

	return bw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
