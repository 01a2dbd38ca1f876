package tasks

import (
	"fmt"

	"github.com/desertthunder/artistsync/internal/models"
)

// ProgressUpdate represents a progress event during a long-running operation.
//
// Used to send real-time updates to the CLI or UI layer for display. The status store
// remains the record of truth; updates are dropped when nobody is listening.
type ProgressUpdate struct {
	Stage    models.Stage     // Run stage, empty for batch updates
	Key      models.ImportKey // Import the update belongs to
	Step     int              // Current step number within the run or batch
	Total    int              // Total steps
	Progress int              // Percentage, 0-100
	Message  string           // Human-readable message for display
	Data     any              // Optional data for advanced UIs
}

// sendProgress sends a progress update through the channel without blocking.
// Uses select with default to ensure progress reporting never blocks execution.
func sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

func statusUpdate(st models.ImportStatus, finished int) ProgressUpdate {
	return ProgressUpdate{
		Stage:    st.Stage,
		Key:      st.Key,
		Step:     finished,
		Total:    runUnits,
		Progress: st.Progress,
		Message:  st.Message,
	}
}

func stepStartedMessage(step models.StepName) string {
	switch step {
	case models.StepSyncCore:
		return "syncing core attributes"
	case models.StepSyncCatalog:
		return "syncing catalog"
	case models.StepSyncEvents:
		return "syncing events"
	case models.StepCreateDefaults:
		return "creating default records"
	default:
		return string(step)
	}
}

func stepFinishedMessage(result models.StepResult) string {
	switch result.State {
	case models.StepSkipped:
		return fmt.Sprintf("%s skipped: %s", result.Step, result.Error)
	case models.StepFailed:
		return fmt.Sprintf("%s failed: %s", result.Step, result.Error)
	}

	switch result.Step {
	case models.StepSyncCore:
		return "core attributes synced"
	case models.StepSyncCatalog:
		return fmt.Sprintf("synced %d catalog items", result.Payload[payloadItems])
	case models.StepSyncEvents:
		return fmt.Sprintf("synced %d events", result.Payload[payloadEvents])
	case models.StepCreateDefaults:
		return fmt.Sprintf("created %d default lists", result.Payload[payloadLists])
	default:
		return fmt.Sprintf("%s completed", result.Step)
	}
}

func completedMessage(report models.RunReport) string {
	failed := 0
	for _, s := range report.Steps {
		if s.State == models.StepFailed {
			failed++
		}
	}
	switch failed {
	case 0:
		return "import completed"
	case 1:
		return "import completed with 1 failed step"
	default:
		return fmt.Sprintf("import completed with %d failed steps", failed)
	}
}

func batchUpdate(done, total int, report models.RunReport, err error) ProgressUpdate {
	u := ProgressUpdate{Key: report.ImportKey, Step: done, Total: total, Data: report}
	if total > 0 {
		u.Progress = done * 100 / total
	}

	name := report.Identifiers.Name
	if name == "" {
		name = string(report.ImportKey)
	}
	switch {
	case err != nil:
		u.Message = fmt.Sprintf("[%d/%d] %s: %v", done, total, name, err)
	case report.Success:
		u.Message = fmt.Sprintf("[%d/%d] %s: imported", done, total, name)
	default:
		u.Message = fmt.Sprintf("[%d/%d] %s: failed: %s", done, total, name, report.Error)
	}
	return u
}
