package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/transport"
)

// printer renders mesh activity as one styled line per event. Colors are
// dropped when w is not a terminal.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	self string

	timeStyle   lipgloss.Style
	nameStyle   lipgloss.Style
	selfStyle   lipgloss.Style
	noticeStyle lipgloss.Style
	warnStyle   lipgloss.Style
}

func newPrinter(w io.Writer, self string) *printer {
	r := lipgloss.NewRenderer(w)
	return &printer{
		w:           w,
		self:        self,
		timeStyle:   r.NewStyle().Foreground(lipgloss.Color("8")),
		nameStyle:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		selfStyle:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("5")),
		noticeStyle: r.NewStyle().Italic(true).Foreground(lipgloss.Color("2")),
		warnStyle:   r.NewStyle().Foreground(lipgloss.Color("3")),
	}
}

func (p *printer) message(msg mesh.Message) {
	p.line(msg.SentAt, p.nameStyle.Render(displayName(msg.SenderName, msg.SenderID))+": "+msg.Text)
}

func (p *printer) joined(peer mesh.Peer) {
	p.line(time.Now(), p.noticeStyle.Render(displayName(peer.Name, peer.ID)+" joined"))
}

func (p *printer) left(peer mesh.Peer) {
	p.line(time.Now(), p.noticeStyle.Render(displayName(peer.Name, peer.ID)+" left"))
}

func (p *printer) relayState(s transport.State) {
	if s == transport.StateConnected {
		p.line(time.Now(), p.noticeStyle.Render("connected to relay"))
		return
	}
	if s == transport.StateReconnecting {
		p.line(time.Now(), p.warnStyle.Render("relay connection lost, reconnecting (open chats continue)"))
	}
}

// sent echoes a local message along with how many peers it reached.
func (p *printer) sent(text string, delivered int) {
	line := p.selfStyle.Render(p.self) + ": " + text
	if delivered == 0 {
		line += " " + p.warnStyle.Render("(no open peers)")
	}
	p.line(time.Now(), line)
}

func (p *printer) line(at time.Time, body string) {
	if at.IsZero() {
		at = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", p.timeStyle.Render(at.Local().Format(time.TimeOnly)), body)
}

// displayName falls back to a short form of the id for peers that have not
// identified yet.
func displayName(name, id string) string {
	if name != "" {
		return name
	}
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "unknown"
	}
	return id
}
