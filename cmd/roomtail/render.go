package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
)

type styles struct {
	title  lipgloss.Style
	sender lipgloss.Style
	read   lipgloss.Style
	dim    lipgloss.Style
	err    lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")),
		sender: lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
		read:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		err:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// frame covers both the message and the read receipt payloads.
type frame struct {
	Event     string    `json:"event"`
	MessageID int64     `json:"message_id"`
	SenderID  int64     `json:"sender_id"`
	UserID    int64     `json:"user_id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

func renderFrame(st styles, data []byte) string {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return st.err.Render("bad frame: " + string(data))
	}
	ts := st.dim.Render(f.Timestamp.Local().Format("15:04:05"))
	switch f.Event {
	case "message":
		line := fmt.Sprintf("%s %s %s", ts, st.sender.Render(fmt.Sprintf("user %d:", f.SenderID)), f.Content)
		if f.Type != "" && f.Type != "CHAT" {
			line += " " + st.dim.Render("["+f.Type+"]")
		}
		return line
	case "read":
		return fmt.Sprintf("%s %s", ts, st.read.Render(fmt.Sprintf("user %d read #%d", f.UserID, f.MessageID)))
	case "read_all":
		return fmt.Sprintf("%s %s", ts, st.read.Render(fmt.Sprintf("user %d read %d messages", f.UserID, f.Count)))
	default:
		return st.dim.Render(string(data))
	}
}

func roomIDFromURL(raw string) (int64, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(path.Base(u.Path), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("no room id at the end of %q", raw)
	}
	return id, nil
}
