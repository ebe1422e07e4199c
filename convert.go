package sfm

import "github.com/edaniels/golog"

const (
	NVM  = "nvm"
	SFM  = "sfm"
	JSON = "json"
	MG   = "mg"
)

// SceneConvert reads a reconstruction file into cameras and points.
type SceneConvert interface {
	Convert(path string) ([]*Camera, []*Point, error)
}

func FormatFactory(format string, logger golog.Logger) SceneConvert {
	switch format {
	case NVM:
		return NewNvmToScene(logger)
	case SFM, JSON, MG:
		return NewMeshroomToScene(logger)
	}
	return nil
}
