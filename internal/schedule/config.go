package schedule

import (
	"encoding/json"
	"fmt"

	"github.com/rakunlabs/brain/internal/dispatcher"
	"github.com/rakunlabs/brain/internal/store"
)

// specFromConfig decodes a ScheduleRow's JSON config column into a
// dispatcher.JobSpec shaped for the schedule's type.
func specFromConfig(jobType, configJSON string) (dispatcher.JobSpec, error) {
	var cfg map[string]any
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return dispatcher.JobSpec{}, fmt.Errorf("decode schedule config: %w", err)
		}
	}

	spec := dispatcher.JobSpec{}

	switch jobType {
	case store.JobTypeCommand:
		if cmd, ok := cfg["command"].(string); ok {
			spec.Command = cmd
		}
	case store.JobTypeHTTP:
		if url, ok := cfg["url"].(string); ok {
			spec.URL = url
		}
		if method, ok := cfg["method"].(string); ok {
			spec.Method = method
		}
		if headers, ok := cfg["headers"].(map[string]any); ok {
			spec.Headers = make(map[string]string, len(headers))
			for k, v := range headers {
				spec.Headers[k], _ = v.(string)
			}
		}
	case store.JobTypeAgent:
		spec.Job = cfg
	default:
		return dispatcher.JobSpec{}, fmt.Errorf("unknown schedule type %q", jobType)
	}

	return spec, nil
}
