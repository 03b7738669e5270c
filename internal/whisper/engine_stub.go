//go:build !whisper_cpp

package whisper

import (
	"fmt"

	apperrors "github.com/obiente/gowhisper/internal/errors"
)

// Without the whisper_cpp tag the project builds without cgo and only the
// native engine exists.
func newWhisperCPP(Settings) (Engine, error) {
	return nil, apperrors.ConfigLoad("engine", fmt.Errorf("engine %q requires building with -tags whisper_cpp", EngineWhisperCPP))
}
