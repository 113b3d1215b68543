package web

import (
	"fmt"
	"html/template"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// TrainPage shows the live status and loss curves for the run.
type TrainPage struct {
	*Templates
	mon *Monitor
}

func NewTrainPage(t *Templates, mon *Monitor) *TrainPage {
	return &TrainPage{Templates: t.Page("/train", Link{Name: "loss plot", Url: "/plot.svg"}), mon: mon}
}

func (p *TrainPage) Base() http.HandlerFunc { return render(p.Templates, "train", p) }

// Stats is the frame reloaded by the page script after each status message.
func (p *TrainPage) Stats() http.HandlerFunc { return render(p.Templates, "stats", p) }

// Plot serves the loss curves as a standalone SVG image.
func (p *TrainPage) Plot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		train, val := p.mon.Losses()
		plt, err := LossPlot(p.mon.Run, train, val)
		if err != nil {
			httpError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		if err := WritePlot(w, plt, 800, 400, "svg"); err != nil {
			log.Println(err)
		}
	}
}

// Websocket registers the client with the monitor. It receives a Status message after each iteration.
func (p *TrainPage) Websocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("websocket upgrade:", err)
			return
		}
		p.mon.Add(conn)
		// read until the client goes away
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					p.mon.Remove(conn)
					return
				}
			}
		}()
	}
}

func (p *TrainPage) Status() Status {
	return p.mon.Status()
}

func (p *TrainPage) Heading() template.HTML {
	s := p.mon.Status()
	return template.HTML(fmt.Sprintf(`%s: <span id="state">%s</span> iteration <span id="iter">%d</span> of %d`,
		template.HTMLEscapeString(s.Run), s.State, s.Iter, s.EndIter))
}

func (p *TrainPage) LossPlot(width, height int) (template.HTML, error) {
	train, val := p.mon.Losses()
	plt, err := LossPlot("", train, val)
	if err != nil {
		return "", err
	}
	return svgPlot(plt, width, height)
}
