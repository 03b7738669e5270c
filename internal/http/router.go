// Package http exposes the transcription engine over REST and websockets.
package http

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obiente/gowhisper/internal/audio"
	apperrors "github.com/obiente/gowhisper/internal/errors"
	"github.com/obiente/gowhisper/internal/whisper"
	"github.com/obiente/gowhisper/internal/ws"
)

// MaxAudioBytes bounds REST uploads; a 30 minute 16 kHz PCM16 file fits.
const MaxAudioBytes = 64 << 20

func NewRouter(engine whisper.Engine, wsOpts ...ws.Option) *gin.Engine {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(Recovery(), RequestID(), RequestLogger())

	h := &handlers{engine: engine}
	r.GET("/healthz", h.health)
	r.POST("/v1/transcribe", BodySizeLimit(MaxAudioBytes), h.transcribe)

	// Streaming transcription WebSocket
	wss := ws.NewServer(engine, wsOpts...)
	r.GET("/ws/transcribe", gin.WrapF(wss.Handle))

	r.NoRoute(func(c *gin.Context) {
		RespondWithError(c, apperrors.NotFound("route", c.Request.URL.Path))
	})
	return r
}

type handlers struct {
	engine whisper.Engine
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "engine": h.engine.Name()})
}

// transcribe accepts a WAV body, raw PCM16 (audio/pcm with ?sample_rate=)
// or a multipart "file" field. Audio is downmixed and resampled to 16 kHz
// before it reaches the engine.
func (h *handlers) transcribe(c *gin.Context) {
	w, err := readAudio(c)
	if err != nil {
		RespondWithError(c, err)
		return
	}

	engine := h.engine
	if lang := c.Query("language"); lang != "" {
		if engine, err = engine.WithLanguage(lang); err != nil {
			RespondWithError(c, err)
			return
		}
	}

	res, err := engine.Process(c.Request.Context(), audio.Conform(w).Samples)
	if err != nil {
		log.Warn().Err(err).Str(requestIDKey, c.GetString(requestIDKey)).Msg("http: transcription failed")
		RespondWithError(c, err)
		return
	}
	RespondOK(c, res)
}

func readAudio(c *gin.Context) (audio.Waveform, error) {
	contentType := c.ContentType()
	var (
		data []byte
		err  error
	)
	if contentType == gin.MIMEMultipartPOSTForm {
		var fh *multipart.FileHeader
		if fh, err = c.FormFile("file"); err != nil {
			return audio.Waveform{}, apperrors.InvalidInput("file", "multipart upload needs a file field")
		}
		data, err = readFile(fh)
	} else {
		data, err = io.ReadAll(c.Request.Body)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return audio.Waveform{}, apperrors.New(apperrors.ErrCodeInvalidInput, "audio exceeds the upload limit", http.StatusRequestEntityTooLarge)
		}
		return audio.Waveform{}, apperrors.InvalidInput("audio", err.Error())
	}
	if len(data) == 0 {
		return audio.Waveform{}, apperrors.InvalidInput("audio", "empty body")
	}

	switch strings.ToLower(contentType) {
	case "audio/pcm", "audio/l16", "audio/pcm16":
		rate, _ := strconv.Atoi(c.DefaultQuery("sample_rate", strconv.Itoa(audio.SampleRate)))
		pcm, sr, err := audio.DecodePCM16LEToFloat32(data, rate)
		if err != nil {
			return audio.Waveform{}, apperrors.InvalidInput("audio", err.Error())
		}
		return audio.Waveform{Samples: pcm, SampleRate: sr, Channels: 1}, nil
	default:
		w, err := audio.DecodeWAV(data)
		if err != nil {
			return audio.Waveform{}, apperrors.InvalidInput("audio", err.Error())
		}
		return w, nil
	}
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
