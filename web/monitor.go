// Package web has a web based monitor for following a training run.
package web

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grantmerz/astrodet/nnet"
)

const writeWait = time.Second

// Status is the progress summary sent to websocket clients after each iteration.
type Status struct {
	Run     string  `json:"run"`
	State   string  `json:"state"`
	Iter    int     `json:"iter"`
	EndIter int     `json:"end_iter"`
	Loss    float64 `json:"loss"`
	ValLoss float64 `json:"val_loss"`
	LR      float64 `json:"lr"`
	Elapsed string  `json:"elapsed"`
}

// Monitor is a trainer hook which records the loss history for display and pushes a status update to any
// connected websocket clients. It should be registered after the evaluation hook so validation losses are
// seen on the same iteration.
type Monitor struct {
	nnet.HookBase
	Run     string
	Config  nnet.Config
	mu      sync.Mutex
	train   []Point
	val     []Point
	status  Status
	started time.Time
	clients map[*websocket.Conn]*client
}

// websocket connections support one concurrent writer
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewMonitor(run string, cfg nnet.Config) *Monitor {
	return &Monitor{
		Run:     run,
		Config:  cfg,
		status:  Status{Run: run, State: nnet.Constructing.String()},
		clients: map[*websocket.Conn]*client{},
	}
}

func (m *Monitor) BeforeTrain(ctx context.Context, t *nnet.Trainer) error {
	m.mu.Lock()
	m.started = time.Now()
	m.status.State = nnet.Running.String()
	m.status.Iter = t.StartIter
	m.status.EndIter = t.EndIter
	m.mu.Unlock()
	m.broadcast()
	return nil
}

func (m *Monitor) AfterStep(ctx context.Context, t *nnet.Trainer) error {
	m.mu.Lock()
	if n := len(t.LossList); n > 0 {
		m.train = append(m.train, Point{Iter: t.Iter, Loss: t.LossList[n-1]})
		m.status.Loss = t.LossList[n-1]
	}
	if n := len(t.ValLossList); n > len(m.val) {
		m.val = append(m.val, Point{Iter: t.Iter, Loss: t.ValLossList[n-1]})
		m.status.ValLoss = t.ValLossList[n-1]
	}
	if t.Optimizer != nil {
		m.status.LR = t.Optimizer.LR()
	}
	m.status.Iter = t.Iter + 1
	m.mu.Unlock()
	m.broadcast()
	return nil
}

func (m *Monitor) AfterTrain(ctx context.Context, t *nnet.Trainer) error {
	m.mu.Lock()
	m.status.State = nnet.Finished.String()
	m.mu.Unlock()
	m.broadcast()
	return nil
}

// Status returns the current progress.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	if !m.started.IsZero() {
		s.Elapsed = time.Since(m.started).Round(time.Second).String()
	}
	return s
}

// Losses returns copies of the training and validation loss histories.
func (m *Monitor) Losses() (train, val []Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Point(nil), m.train...), append([]Point(nil), m.val...)
}

// Add a websocket client which will receive status updates.
func (m *Monitor) Add(conn *websocket.Conn) {
	c := &client{conn: conn}
	m.mu.Lock()
	m.clients[conn] = c
	m.mu.Unlock()
	m.send(c, m.Status())
}

// send status to each client, dropping any which cannot keep up
func (m *Monitor) broadcast() {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()
	if len(clients) == 0 {
		return
	}
	s := m.Status()
	for _, c := range clients {
		m.send(c, s)
	}
}

func (m *Monitor) send(c *client, s Status) {
	c.mu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteJSON(s)
	c.mu.Unlock()
	if err != nil {
		log.Println("monitor: dropping websocket client:", err)
		m.Remove(c.conn)
	}
}

// Remove a client and close its connection.
func (m *Monitor) Remove(conn *websocket.Conn) {
	m.mu.Lock()
	_, ok := m.clients[conn]
	delete(m.clients, conn)
	m.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Clients is the number of connected websocket clients.
func (m *Monitor) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
