package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetup_FileAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "lightclient.log")
	c, err := Setup(Options{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	For("scanner").WithField("height", int64(7)).Debug("scanned")
	require.NoError(t, c.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(b), `"component":"scanner"`), string(b))
	require.True(t, strings.Contains(string(b), `"height":7`), string(b))
	require.Equal(t, logrus.DebugLevel, Logger().GetLevel())

	_, err = Setup(Options{})
	require.NoError(t, err)
}

func TestSetup_Invalid(t *testing.T) {
	_, err := Setup(Options{Level: "loud"})
	require.Error(t, err)
	_, err = Setup(Options{Format: "xml"})
	require.Error(t, err)
}
