package sfm

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFactory(t *testing.T) {
	logger := golog.NewTestLogger(t)

	for format, want := range map[string]interface{}{
		NVM:  &NvmToScene{},
		SFM:  &MeshroomToScene{},
		JSON: &MeshroomToScene{},
		MG:   &MeshroomToScene{},
	} {
		cv := FormatFactory(format, logger)
		require.NotNil(t, cv, "format %q", format)
		assert.IsType(t, want, cv, "format %q", format)
	}

	assert.Nil(t, FormatFactory("ply", logger))
	assert.Nil(t, FormatFactory("", logger))
}
