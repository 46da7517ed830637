// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the spectrace CLI.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
)

// Palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

type styles struct {
	title   lipgloss.Style
	bold    lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	key     lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
	border  lipgloss.Style
}

// Printer writes styled command output. Results go to out, diagnostics
// (warnings and errors) to errOut.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	mode   Mode
	s      styles
}

// NewPrinter creates a printer. Styles are bound to a renderer on out, so
// ModePlain output never carries escape codes.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	r := lipgloss.NewRenderer(out)
	switch mode {
	case ModeRich:
		r.SetColorProfile(termenv.TrueColor)
	default:
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{
		out:    out,
		errOut: errOut,
		mode:   mode,
		s: styles{
			title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
			bold:    r.NewStyle().Bold(true),
			muted:   r.NewStyle().Foreground(ColorSlate),
			success: r.NewStyle().Foreground(ColorSuccess),
			warning: r.NewStyle().Foreground(ColorWarning),
			err:     r.NewStyle().Foreground(ColorError),
			key:     r.NewStyle().Foreground(ColorTealPrimary),
			header:  r.NewStyle().Bold(true).Foreground(ColorTealBright).Padding(0, 1),
			cell:    r.NewStyle().Padding(0, 1),
			border:  r.NewStyle().Foreground(ColorTealDeep),
		},
	}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) icon(i Icon) string {
	switch i {
	case IconSuccess:
		return p.s.success.Render(string(i))
	case IconWarning:
		return p.s.warning.Render(string(i))
	case IconError:
		return p.s.err.Render(string(i))
	case IconPending:
		return p.s.muted.Render(string(i))
	default:
		return string(i)
	}
}

// Title prints a heading. Machine mode omits it.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.out, p.s.title.Render(text))
}

// Success prints a completed step.
func (p *Printer) Success(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "OK\t%s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.icon(IconSuccess), p.s.success.Render(text))
}

// Warning prints to the diagnostic writer.
func (p *Printer) Warning(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.errOut, "WARN\t%s\n", text)
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", p.icon(IconWarning), p.s.warning.Render(text))
}

// Error prints to the diagnostic writer.
func (p *Printer) Error(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.errOut, "ERROR\t%s\n", text)
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", p.icon(IconError), p.s.err.Render(text))
}

// Info prints a plain line.
func (p *Printer) Info(text string) {
	fmt.Fprintln(p.out, text)
}

// Muted prints secondary text. Machine mode omits it.
func (p *Printer) Muted(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.out, p.s.muted.Render(text))
}

// KeyValue prints one aligned field.
func (p *Printer) KeyValue(key string, value any) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "%s\t%v\n", key, value)
		return
	}
	fmt.Fprintf(p.out, "%s %v\n", p.s.key.Render(fmt.Sprintf("%-12s", key+":")), value)
}

// Item prints a bulleted entry with an optional muted note.
func (p *Printer) Item(icon Icon, text, note string) {
	switch {
	case p.mode == ModeMachine:
		fmt.Fprintf(p.out, "%s\t%s\t%s\n", icon, text, note)
	case note != "":
		fmt.Fprintf(p.out, "%s %s %s\n", p.icon(icon), text, p.s.muted.Render("("+note+")"))
	default:
		fmt.Fprintf(p.out, "%s %s\n", p.icon(icon), text)
	}
}

// Table prints rows under headers. Machine mode writes a header line and
// tab separated rows.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.mode == ModeMachine {
		fmt.Fprintln(p.out, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(p.out, strings.Join(row, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.s.border).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.s.header
			}
			return p.s.cell
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(p.out, t.String())
}

// Diff prints a unified diff, colouring added and removed lines.
func (p *Printer) Diff(text string) {
	if p.mode != ModeRich {
		fmt.Fprint(p.out, text)
		return
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		trimmed := strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Fprintln(p.out, p.s.bold.Render(trimmed))
		case strings.HasPrefix(line, "@@"):
			fmt.Fprintln(p.out, p.s.key.Render(trimmed))
		case strings.HasPrefix(line, "+"):
			fmt.Fprintln(p.out, p.s.success.Render(trimmed))
		case strings.HasPrefix(line, "-"):
			fmt.Fprintln(p.out, p.s.err.Render(trimmed))
		default:
			fmt.Fprint(p.out, line)
		}
	}
}

// Bar renders a percentage as a fixed width bar. Machine mode returns the
// number alone.
func (p *Printer) Bar(pct float64, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if p.mode == ModeMachine {
		return fmt.Sprintf("%.1f", pct)
	}
	filled := int(pct / 100 * float64(width))
	style := p.s.success
	switch {
	case pct < 50:
		style = p.s.err
	case pct < 100:
		style = p.s.warning
	}
	bar := style.Render(strings.Repeat("█", filled)) + p.s.muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %5.1f%%", bar, pct)
}
