// Package ui implements a terminal watcher for imports using bubbletea's Elm architecture.
//
// The TUI has two views:
//  1. [ActiveListView] : Imports currently in progress, refreshed on every poll
//  2. [WatchView] : One import's stage, progress bar and message, followed by its step results once it finishes
//
// The (view) [Model] implements bubbletea/Elm's standard Init/Update/View pattern, receiving messages via the Msg union type.
// Imports may run in another process, so the model polls a [StatusSource] on an interval instead of reading a progress channel.
// When a provisional key is reconciled to an artist key, the watcher follows the alias and keeps the new key.
//
// Keyboard navigation uses vim-style bindings (j/k, enter, esc, r, q) with contextual help displayed via charmbracelet/bubbles/help.
package ui
