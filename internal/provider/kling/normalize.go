package kling

import "strings"

// State is the closed internal mapping of the provider's status vocabulary.
// Decision logic in the reconciler runs only against these values, so
// upstream wording drift stays confined to this file.
type State int

const (
	StateInProgress State = iota
	StateSucceeded
	StateFailed
)

// TaskStatus is the normalized poll result: a state plus every artifact URL
// present in the response, in provider order.
type TaskStatus struct {
	State     State
	Artifacts []string
	Message   string
}

// taskResponse covers the provider's response envelope for both submissions
// and status polls. The result shape varies by kind: an images array, a
// videos array, or a singleton video object.
type taskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID        string `json:"task_id"`
		TaskStatus    string `json:"task_status"`
		TaskStatusMsg string `json:"task_status_msg"`
		TaskResult    struct {
			Images []struct {
				Index int    `json:"index"`
				URL   string `json:"url"`
			} `json:"images"`
			Videos []struct {
				ID       string `json:"id"`
				URL      string `json:"url"`
				Duration string `json:"duration"`
			} `json:"videos"`
			Video *struct {
				URL string `json:"url"`
			} `json:"video"`
		} `json:"task_result"`
	} `json:"data"`
}

func mapStatus(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "succeed", "succeeded", "success":
		return StateSucceeded
	case "failed", "fail":
		return StateFailed
	default:
		// "submitted", "processing", unknown strings: keep polling.
		return StateInProgress
	}
}

func normalize(resp taskResponse) TaskStatus {
	status := TaskStatus{
		State:   mapStatus(resp.Data.TaskStatus),
		Message: resp.Data.TaskStatusMsg,
	}
	if status.Message == "" {
		status.Message = resp.Message
	}
	for _, img := range resp.Data.TaskResult.Images {
		if u := strings.TrimSpace(img.URL); u != "" {
			status.Artifacts = append(status.Artifacts, u)
		}
	}
	for _, vid := range resp.Data.TaskResult.Videos {
		if u := strings.TrimSpace(vid.URL); u != "" {
			status.Artifacts = append(status.Artifacts, u)
		}
	}
	if resp.Data.TaskResult.Video != nil {
		if u := strings.TrimSpace(resp.Data.TaskResult.Video.URL); u != "" {
			status.Artifacts = append(status.Artifacts, u)
		}
	}
	return status
}
