package workers

import (
	"log"

	"aptscout/models"
)

// LogFunc receives worker progress and problems
type LogFunc func(level models.LogLevel, source, message string)

// NoOpLogger does nothing
var NoOpLogger LogFunc = func(level models.LogLevel, source, message string) {}

// StdLogger writes through the standard logger, prefixing non-info levels
var StdLogger LogFunc = func(level models.LogLevel, source, message string) {
	switch level {
	case models.LogLevelWarn:
		log.Printf("Warning: %s: %s", source, message)
	case models.LogLevelError:
		log.Printf("Error: %s: %s", source, message)
	default:
		log.Printf("%s: %s", source, message)
	}
}
