package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/scopectl/config"
)

func TestSetupDefaultsToInfoJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := setup(config.LoggingConfig{}, &buf)
	require.NoError(t, err)
	defer cleanup()

	require.Equal(t, zerolog.InfoLevel, logger.GetLevel())
	logger.Debug().Msg("hidden")
	component := Component(logger, "instrument")
	component.Info().Msg("visible")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "visible", entry["message"])
	require.Equal(t, "instrument", entry["component"])
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, _, err := setup(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestSetupRejectsUnknownFormat(t *testing.T) {
	_, _, err := setup(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestSetupTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := setup(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)
	defer cleanup()
	logger.Debug().Msg("console")
	require.Contains(t, buf.String(), "console")
}

func TestLokiRequiresURL(t *testing.T) {
	_, _, err := setup(config.LoggingConfig{Loki: config.LokiConfig{Enabled: true}}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestLokiLabelsDefault(t *testing.T) {
	require.Equal(t, model.LabelSet{"app": "scopectl"}, lokiLabels(nil))
	require.Equal(t, model.LabelSet{"env": "lab"}, lokiLabels(map[string]string{"env": "lab"}))
}
