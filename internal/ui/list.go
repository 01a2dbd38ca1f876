package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"

	"github.com/desertthunder/artistsync/internal/models"
)

var _ list.Item = statusItem{}

// statusItem wraps [models.ImportStatus] to implement [list.Item].
type statusItem struct {
	status models.ImportStatus
}

func (i statusItem) FilterValue() string { return string(i.status.Key) }
func (i statusItem) Title() string       { return string(i.status.Key) }
func (i statusItem) Description() string {
	desc := fmt.Sprintf("%s • %d%%", i.status.Stage, i.status.Progress)
	if i.status.Message != "" {
		desc = fmt.Sprintf("%s • %s", desc, i.status.Message)
	}
	return desc
}

func statusItems(statuses []models.ImportStatus) []list.Item {
	items := make([]list.Item, len(statuses))
	for i, st := range statuses {
		items[i] = statusItem{status: st}
	}
	return items
}
