package proxmox

import (
	"encoding/json"
	"strings"
)

// maxUPIDDepth bounds how many container levels ExtractUPID descends.
const maxUPIDDepth = 6

var upidKeys = []string{"upid", "UPID", "task", "taskId", "task_id", "id", "value", "data", "result"}

// ExtractUPID finds a task identifier ("UPID:...") in a Proxmox response.
// Objects are searched through well-known keys, arrays element by element.
// It returns "" when nothing is found within maxUPIDDepth levels.
func ExtractUPID(v any) string {
	switch raw := v.(type) {
	case json.RawMessage:
		return extractUPIDFromJSON(raw)
	case []byte:
		return extractUPIDFromJSON(raw)
	}
	return findUPID(v, 0)
}

func extractUPIDFromJSON(raw []byte) string {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ""
	}
	return findUPID(decoded, 0)
}

func findUPID(v any, depth int) string {
	if depth > maxUPIDDepth {
		return ""
	}
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if strings.HasPrefix(s, "UPID:") {
			return s
		}
	case map[string]any:
		for _, key := range upidKeys {
			child, ok := val[key]
			if !ok {
				continue
			}
			if upid := findUPID(child, depth+1); upid != "" {
				return upid
			}
		}
	case []any:
		for _, item := range val {
			if upid := findUPID(item, depth+1); upid != "" {
				return upid
			}
		}
	}
	return ""
}

// NodeFromUPID returns the node segment of UPID:<node>:..., or "".
func NodeFromUPID(upid string) string {
	parts := strings.Split(strings.TrimSpace(upid), ":")
	if len(parts) < 3 || parts[0] != "UPID" {
		return ""
	}
	return parts[1]
}
