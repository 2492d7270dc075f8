// Package testlog switches tests to the quiet logging profile.
package testlog

import (
	"testing"

	"github.com/rs/zerolog/log"

	"github.com/risa-org/teleport/logging"
)

// Start installs the test logging profile and tags the run with the test name.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Debug().Str("test", t.Name()).Msg("start")
}
