package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/artistsync/internal/models"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgActiveFetched MsgKind = iota
	MsgStatusFetched
	MsgReportFetched
	MsgPoll
)

type activeFetched struct {
	statuses []models.ImportStatus
	err      error
}

type statusFetched struct {
	status models.ImportStatus
	err    error
}

type reportFetched struct {
	report models.RunReport
	err    error
}

// activeFetchedMsg is the constructor for [MsgActiveFetched]
func activeFetchedMsg(statuses []models.ImportStatus, err error) Msg {
	return Msg{kind: MsgActiveFetched, data: activeFetched{statuses, err}}
}

// statusFetchedMsg is the constructor for [MsgStatusFetched]
func statusFetchedMsg(st models.ImportStatus, err error) Msg {
	return Msg{kind: MsgStatusFetched, data: statusFetched{st, err}}
}

// reportFetchedMsg is the constructor for [MsgReportFetched]
func reportFetchedMsg(report models.RunReport, err error) Msg {
	return Msg{kind: MsgReportFetched, data: reportFetched{report, err}}
}

// pollMsg is the constructor for [MsgPoll]. gen drops polls scheduled before a view change.
func pollMsg(gen int) Msg {
	return Msg{kind: MsgPoll, data: gen}
}
