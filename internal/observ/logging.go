package observ

import (
	"encoding/json"
	"fmt"
	"time"
)

// Log emits one JSON line per event. Every component in the control plane
// logs through this so the output stream is machine-parseable end to end.
func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}

// Warn is Log with a level marker, for conditions an operator should scan for.
func Warn(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["level"] = "warn"
	Log(event, kv)
}

// Error is Log with a level marker. Failures only, never policy rejections.
func Error(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["level"] = "error"
	Log(event, kv)
}
