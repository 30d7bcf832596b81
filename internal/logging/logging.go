package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
)

// Init initializes the global sugared logger based on LOG_LEVEL and redirects
// the standard library logger to zap. It's safe to call multiple times.
func Init() *zap.SugaredLogger {
	once.Do(func() {
		level := strings.ToLower(os.Getenv("LOG_LEVEL"))
		var logger *zap.Logger
		if level == "debug" {
			l, _ := zap.NewDevelopment()
			logger = l
		} else {
			l, _ := zap.NewProduction()
			logger = l
		}
		// Redirect standard library logs into zap so all logs are unified.
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
	})
	return sugar
}

// Sugar returns the initialized sugared logger. Call Init first.
func Sugar() *zap.SugaredLogger { return sugar }

func Debugw(msg string, kv ...interface{}) { Init().Debugw(msg, kv...) }
func Infow(msg string, kv ...interface{})  { Init().Infow(msg, kv...) }
func Warnw(msg string, kv ...interface{})  { Init().Warnw(msg, kv...) }
func Errorw(msg string, kv ...interface{}) { Init().Errorw(msg, kv...) }

// SpeakerFields returns the standard key/value pairs used when logging about
// a speaker, including the display name when one is known.
func SpeakerFields(speakerID, name string) []interface{} {
	if name == "" {
		return []interface{}{"speaker_id", speakerID}
	}
	return []interface{}{"speaker_id", speakerID, "speaker_name", name}
}

func init() {
	Init()
}
