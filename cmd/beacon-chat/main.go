// Beacon terminal chat client.
//
// A single full-screen chat view: a scrollable message viewport over an
// input line. The client joins one room at startup, subscribes to its
// channel, and renders chat.message and chat.presence events as they
// arrive.
//
// Concurrency: the Bubbletea event loop consumes one hub event at a time
// via waitForEvent (a tea.Cmd), queuing the next read after each event is
// processed. The client library's own goroutines handle the socket.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/beacon-rt/beacon/client"
	"github.com/beacon-rt/beacon/protocol"
)

const chatEvent = "chat.message"

var (
	purple = lipgloss.Color("99")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	errorStyle  = lipgloss.NewStyle().Foreground(red)
	sysStyle    = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	tsStyle     = lipgloss.NewStyle().Foreground(gray)
	myNameStyle = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

type hubEventMsg client.Event
type disconnectedMsg struct{}

type model struct {
	cli     *client.Client
	room    string
	channel string
	me      string

	ready       bool
	viewport    viewport.Model
	input       textinput.Model
	lines       []string
	onlineCount int

	width, height int
}

func newModel(cli *client.Client, roomName, channel, name string, members int) model {
	in := textinput.New()
	in.Placeholder = "Type a message…"
	in.CharLimit = 500
	in.Focus()

	return model{
		cli:         cli,
		room:        roomName,
		channel:     channel,
		me:          name,
		input:       in,
		onlineCount: members,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.cli))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.input.Width = msg.Width - 4
		return m, nil

	case hubEventMsg:
		m = m.handleHubEvent(client.Event(msg))
		return m, waitForEvent(m.cli)

	case disconnectedMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlQ:
			_, _ = m.cli.Request("room.leave", protocol.RoomPayload{Room: m.room})
			_ = m.cli.Close()
			return m, tea.Quit

		case tea.KeyEnter:
			body := strings.TrimSpace(m.input.Value())
			if body != "" {
				err := m.cli.SendEvent(m.channel, chatEvent, protocol.ChatMessagePayload{
					UserID: m.me,
					Body:   body,
				})
				if err != nil {
					m.appendLine(errorStyle.Render("⚠ send failed: " + err.Error()))
				}
				m.input.Reset()
			}
			return m, nil

		case tea.KeyPgUp:
			m.viewport.HalfViewUp()
			return m, nil

		case tea.KeyPgDown:
			m.viewport.HalfViewDown()
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// vpHeight returns the number of lines available for the chat viewport.
func (m model) vpHeight() int {
	// header (1) + footer border (1) + footer input (1) = 3 lines reserved
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

func (m model) handleHubEvent(ev client.Event) model {
	ts := tsStyle.Render("[" + time.Now().Format("15:04:05") + "]")

	switch ev.Name {
	case chatEvent:
		var p protocol.ChatMessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return m
		}
		name := peerStyle.Render(p.UserID)
		if p.UserID == m.me {
			name = myNameStyle.Render(p.UserID)
		}
		m.appendLine(ts + " " + name + ": " + p.Body)

	case "chat.presence":
		var p protocol.PresencePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return m
		}
		m.onlineCount = p.MemberCount
		m.appendLine(sysStyle.Render(fmt.Sprintf("⚡ %s %s the room", p.UserID, p.Action)))

	default:
		m.appendLine(sysStyle.Render("⚡ " + ev.Name))
	}
	return m
}

// appendLine adds a rendered line and scrolls the viewport to the bottom.
func (m *model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if m.ready {
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
	}
}

func (m model) View() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" Beacon  ·  #%s  ·  %s  ·  %d online  ·  PgUp/Dn: Scroll  Ctrl+C: Quit",
			m.room, m.me, m.onlineCount))

	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(m.input.View())

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

// waitForEvent returns a tea.Cmd that blocks until the next hub event
// arrives, or the connection terminates.
func waitForEvent(cli *client.Client) tea.Cmd {
	return func() tea.Msg {
		select {
		case ev, ok := <-cli.Events():
			if !ok {
				return disconnectedMsg{}
			}
			return hubEventMsg(ev)
		case <-cli.Done():
			return disconnectedMsg{}
		}
	}
}

// requestTimeoutFromEnv reads REQUEST_TIMEOUT, accepting Go duration
// syntax ("30s") or bare integers interpreted as seconds. Unset or
// invalid values return 0 and the client library applies its default.
func requestTimeoutFromEnv() time.Duration {
	value := os.Getenv("REQUEST_TIMEOUT")
	if value == "" {
		return 0
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "hub WebSocket URL")
	token := flag.String("token", "dev-token", "bearer credential")
	roomName := flag.String("room", "lobby", "room to join")
	name := flag.String("name", "", "display name (defaults to the credential's user)")
	timeout := flag.Duration("timeout", requestTimeoutFromEnv(), "request timeout (default from REQUEST_TIMEOUT)")
	flag.Parse()

	cli, err := client.Dial(*url, *token, client.Config{RequestTimeout: *timeout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer cli.Close()

	raw, err := cli.Request("room.join", protocol.RoomPayload{Room: *roomName})
	if err != nil {
		fmt.Fprintf(os.Stderr, "join room %q: %v\n", *roomName, err)
		os.Exit(1)
	}
	var state protocol.RoomStatePayload
	if err := json.Unmarshal(raw, &state); err != nil {
		fmt.Fprintf(os.Stderr, "join room %q: bad response: %v\n", *roomName, err)
		os.Exit(1)
	}

	if _, err := cli.Subscribe(state.Channel); err != nil {
		fmt.Fprintf(os.Stderr, "subscribe %q: %v\n", state.Channel, err)
		os.Exit(1)
	}

	display := *name
	if display == "" {
		display = cli.UserID()
	}

	p := tea.NewProgram(
		newModel(cli, *roomName, state.Channel, display, state.MemberCount),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
