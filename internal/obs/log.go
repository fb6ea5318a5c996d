package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

// serviceName tags every log line so the affiliate API stays
// distinguishable when several services share a log stream.
const serviceName = "afflow-api"

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	if _, ok := entry["service"]; !ok {
		entry["service"] = serviceName
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed","service":"` + serviceName + `"}`)
		return
	}
	Logger().Println(string(data))
}
