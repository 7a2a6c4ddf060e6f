package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"modelplane/internal/store"
	"modelplane/pkg/api"

	"github.com/spf13/cobra"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(state string) string {
	switch state {
	case string(store.ServiceStateRunning):
		return colorGreen + "✓" + colorReset
	case string(store.ServiceStateError):
		return colorRed + "✗" + colorReset
	case string(store.ServiceStateStarting):
		return colorYellow + "⏳" + colorReset
	case string(store.ServiceStateStopped):
		return colorDim + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(state string) string {
	icon := statusIcon(state)
	switch state {
	case string(store.ServiceStateRunning):
		return icon + " " + colorGreen + state + colorReset
	case string(store.ServiceStateError):
		return icon + " " + colorRed + state + colorReset
	case string(store.ServiceStateStarting):
		return icon + " " + colorYellow + state + colorReset
	default:
		return state
	}
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func toServiceResponse(rec store.ServiceRecord) api.ServiceResponse {
	return api.ServiceResponse{
		ID:           rec.ID.String(),
		PipelineName: rec.Identity.PipelineName,
		StepName:     rec.Identity.StepName,
		ModelName:    rec.ModelName,
		State:        string(rec.State),
		Endpoint:     rec.Endpoint.URL,
		Runtime:      rec.Endpoint.Runtime,
		Ref:          rec.Endpoint.Ref,
		ModelURI:     rec.ModelURI,
		ModelHash:    rec.ModelHash,
		Workers:      rec.Workers,
		Error:        rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
