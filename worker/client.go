// Package worker connects to a remote model worker process which owns the network weights. The client
// implements the nnet Model and Optimizer interfaces by sending JSON requests over a websocket.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grantmerz/astrodet/img"
	"github.com/grantmerz/astrodet/nnet"
	"github.com/pkg/errors"
)

// ErrClosed is returned for calls made after the connection has gone.
var ErrClosed = errors.New("worker connection closed")

// RemoteError is an error reported by the worker for a single call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return "worker " + e.Method + ": " + e.Message
}

// Client is a websocket connection to a model worker.
type Client struct {
	Session string
	conn    *websocket.Conn
	nextID  uint64
	wmu     sync.Mutex
	mu      sync.Mutex
	pending map[uint64]chan Response
	err     error
	done    chan struct{}
}

// Dial opens a session with the worker at url, e.g. ws://localhost:8765/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	session := uuid.NewString()
	hdr := http.Header{}
	hdr.Set("X-Session", session)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if err != nil {
		return nil, errors.Wrapf(err, "error connecting to worker at %s", url)
	}
	c := &Client{Session: session, conn: conn, pending: map[uint64]chan Response{}, done: make(chan struct{})}
	go c.readLoop()
	log.Printf("worker: connected to %s session %s", url, session)
	return c, nil
}

// dispatch responses to the waiting callers until the connection fails
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			c.err = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Call sends a request and decodes the result into out, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	req := Request{ID: atomic.AddUint64(&c.nextID, 1), Session: c.Session, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return errors.Wrapf(err, "worker %s: error encoding request", method)
		}
		req.Params = data
	}
	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return errors.Wrap(ErrClosed, c.err.Error())
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err := c.conn.WriteJSON(req)
	c.wmu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return errors.Wrapf(err, "worker %s: write failed", method)
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return errors.Wrapf(ErrClosed, "worker %s", method)
		}
		if resp.Error != "" {
			return &RemoteError{Method: method, Message: resp.Error}
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return errors.Wrapf(err, "worker %s: malformed response", method)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(req.ID)
		return ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close ends the session and closes the connection.
func (c *Client) Close() error {
	c.wmu.Lock()
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	cerr := c.conn.Close()
	<-c.done
	if err != nil {
		return err
	}
	return cerr
}

// Model is the remote network held by the worker.
type Model struct {
	*Client
}

func (m Model) Losses(ctx context.Context, batch nnet.Batch) (nnet.Losses, error) {
	var losses nnet.Losses
	err := m.Call(ctx, MethodLosses, lossesParams{Batch: encodeBatch(batch)}, &losses)
	return losses, err
}

func (m Model) Predict(ctx context.Context, im *img.Image) (*nnet.Instances, error) {
	out := new(nnet.Instances)
	if err := m.Call(ctx, MethodPredict, predictParams{Image: encodeImage(im)}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m Model) Parameters(ctx context.Context) ([]nnet.Parameter, error) {
	var params []nnet.Parameter
	err := m.Call(ctx, MethodParameters, nil, &params)
	return params, err
}

func (m Model) SetTrainable(ctx context.Context, prefix string, on bool) error {
	return m.Call(ctx, MethodSetTrainable, trainableParams{Prefix: prefix, On: on}, nil)
}

func (m Model) To(ctx context.Context, device string) error {
	return m.Call(ctx, MethodTo, deviceParams{Device: device}, nil)
}

// Save asks the worker to write the weights. The path is on the worker's filesystem.
func (m Model) Save(ctx context.Context, path string) error {
	return m.Call(ctx, MethodSave, pathParams{Path: path}, nil)
}

func (m Model) Load(ctx context.Context, path string) error {
	return m.Call(ctx, MethodLoad, pathParams{Path: path}, nil)
}

// Optimizer steps the remote optimizer. The learning rate is sent with each step.
type Optimizer struct {
	*Client
	mu sync.Mutex
	lr float64
}

func (o *Optimizer) Step(ctx context.Context) error {
	return o.Call(ctx, MethodStep, stepParams{LR: o.LR()}, nil)
}

func (o *Optimizer) SetLR(lr float64) {
	o.mu.Lock()
	o.lr = lr
	o.mu.Unlock()
}

func (o *Optimizer) LR() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lr
}

// Builder returns a model builder which connects to the worker at url and builds the configured model.
func Builder(url string) nnet.ModelBuilder {
	return func(ctx context.Context, cfg nnet.Config) (nnet.Model, nnet.Optimizer, error) {
		c, err := Dial(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		params := BuildParams{Model: cfg.Model.Name.String(), Config: cfg, Classes: len(cfg.Datasets.Classes)}
		if err := c.Call(ctx, MethodBuild, params, nil); err != nil {
			c.Close()
			return nil, nil, err
		}
		return Model{c}, &Optimizer{Client: c, lr: cfg.Solver.BaseLR}, nil
	}
}

// Builders returns a builder for every supported model, all served by the same worker.
func Builders(url string) nnet.ModelBuilders {
	b := Builder(url)
	return nnet.ModelBuilders{nnet.Swin: b, nnet.MViTv2: b}
}
