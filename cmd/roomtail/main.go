// Command roomtail follows a room's live stream in the terminal and can post
// messages to it.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
)

var (
	wsURL   = flag.String("url", "ws://localhost:8083/ws/rooms/1", "room websocket url")
	token   = flag.String("token", "", "bearer token")
	apiBase = flag.String("api", "", "http base url; enables sending when set")
	logFile = flag.String("log", "", "debug log file")
)

func main() {
	flag.Parse()
	if *token == "" {
		log.Fatal("-token is required")
	}
	roomID, err := roomIDFromURL(*wsURL)
	if err != nil {
		log.Fatal(err)
	}
	if *logFile != "" {
		f, err := tea.LogToFile(*logFile, "roomtail")
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+*token)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, *wsURL, header)
	cancel()
	if err != nil {
		if resp != nil {
			log.Fatalf("dial %s: %v (%s)", *wsURL, err, resp.Status)
		}
		log.Fatalf("dial %s: %v", *wsURL, err)
	}
	defer conn.Close()

	var send func(string) error
	if *apiBase != "" {
		send = poster(strings.TrimRight(*apiBase, "/"), *token, roomID)
	}

	p := tea.NewProgram(newModel(roomID, conn, send), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatal(err)
	}
}

type frameMsg string

type closedMsg struct{ err error }

type model struct {
	roomID   int64
	conn     *websocket.Conn
	frames   chan tea.Msg
	send     func(string) error
	lines    []string
	viewport viewport.Model
	input    textarea.Model
	status   string
	styles   styles
}

func newModel(roomID int64, conn *websocket.Conn, send func(string) error) model {
	ta := textarea.New()
	ta.Placeholder = "message, enter to send"
	ta.Prompt = "┃ "
	ta.CharLimit = 1000
	ta.SetWidth(80)
	ta.SetHeight(2)
	ta.ShowLineNumbers = false
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.KeyMap.InsertNewline.SetEnabled(false)
	if send != nil {
		ta.Focus()
	}

	vp := viewport.New(80, 20)
	st := defaultStyles()
	vp.SetContent(st.dim.Render(fmt.Sprintf("room %d, q or ctrl+c to quit", roomID)))

	return model{
		roomID:   roomID,
		conn:     conn,
		frames:   make(chan tea.Msg, 16),
		send:     send,
		viewport: vp,
		input:    ta,
		styles:   st,
	}
}

func (m model) Init() tea.Cmd {
	go m.readFrames()
	return tea.Batch(m.waitForFrame(), textarea.Blink)
}

func (m model) readFrames() {
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			m.frames <- closedMsg{err: err}
			return
		}
		m.frames <- frameMsg(data)
	}
}

func (m model) waitForFrame() tea.Cmd {
	return func() tea.Msg { return <-m.frames }
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - m.input.Height() - 3
		m.input.SetWidth(msg.Width)
	case tea.KeyMsg:
		switch {
		case msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyEsc:
			return m, tea.Quit
		case msg.String() == "q" && m.send == nil:
			return m, tea.Quit
		case msg.Type == tea.KeyEnter && m.send != nil:
			text := strings.TrimSpace(m.input.Value())
			if text != "" {
				if err := m.send(text); err != nil {
					m.status = m.styles.err.Render("send failed: " + err.Error())
				} else {
					m.status = ""
				}
				m.input.Reset()
			}
		}
	case frameMsg:
		m.lines = append(m.lines, renderFrame(m.styles, []byte(msg)))
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
		cmds = append(cmds, m.waitForFrame())
	case closedMsg:
		m.status = m.styles.err.Render("connection closed: " + msg.err.Error())
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	if m.send != nil {
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	parts := []string{m.styles.title.Render(fmt.Sprintf(" room %d ", m.roomID)), m.viewport.View()}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	if m.send != nil {
		parts = append(parts, m.input.View())
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
}

func poster(base, token string, roomID int64) func(string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(content string) error {
		body, err := json.Marshal(map[string]any{"room_id": roomID, "content": content})
		if err != nil {
			return err
		}
		req, err := http.NewRequest(http.MethodPost, base+"/messages", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("server answered %s", resp.Status)
		}
		return nil
	}
}
