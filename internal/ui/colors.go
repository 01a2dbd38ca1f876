package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/desertthunder/artistsync/internal/models"
)

var styles = NewPalette("#7D56F4", "#04B575", "#FF0000", "#FFA500", "#626262")

// struct Palette is a simple stylesheet built with named [lipgloss.Style] fields
type Palette struct {
	title lipgloss.Style
	ok    lipgloss.Style
	err   lipgloss.Style
	warn  lipgloss.Style
	help  lipgloss.Style
}

func NewPalette(t, s, e, w, h string) *Palette {
	return &Palette{
		title: NewBold(t).MarginBottom(1),
		ok:    NewBold(s),
		err:   NewBold(e),
		warn:  NewStyle(w),
		help:  NewEm(h),
	}
}

func NewStyle(fg string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(fg))
}

func NewBold(fg string) lipgloss.Style {
	return NewStyle(fg).Bold(true)
}

func NewEm(fg string) lipgloss.Style {
	return NewStyle(fg).Italic(true)
}

// stage picks the style for a stage label.
func (p *Palette) stage(s models.Stage) lipgloss.Style {
	switch s {
	case models.StageCompleted:
		return p.ok
	case models.StageFailed:
		return p.err
	default:
		return p.warn
	}
}

// step renders a step marker.
func (p *Palette) step(s models.StepState) string {
	switch s {
	case models.StepCompleted:
		return p.ok.Render("✓")
	case models.StepFailed:
		return p.err.Render("✗")
	case models.StepSkipped:
		return p.help.Render("-")
	default:
		return p.warn.Render("…")
	}
}
