package web

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/grantmerz/astrodet/nnet"
	"github.com/pkg/errors"
)

// NewRouter sets up the monitor pages. If auth is not nil every route requires a login.
func NewRouter(mon *Monitor, auth *AuthMiddleware) (*mux.Router, error) {
	t, err := NewTemplates()
	if err != nil {
		return nil, errors.Wrap(err, "error loading templates")
	}
	trainPage := NewTrainPage(t, mon)
	configPage := NewConfigPage(t, mon.Run, mon.Config)

	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/train", http.StatusFound))
	r.HandleFunc("/train", trainPage.Base()).Methods("GET")
	r.HandleFunc("/stats", trainPage.Stats()).Methods("GET")
	r.HandleFunc("/plot.svg", trainPage.Plot()).Methods("GET")
	r.HandleFunc("/ws", trainPage.Websocket())
	r.HandleFunc("/config", configPage.Base()).Methods("GET")
	if auth != nil {
		r.Use(auth.Middleware)
	}
	return r, nil
}

// Serve runs the monitor on addr until the context is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Printf("serving training monitor at http://%s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(err, "monitor server failed")
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

// Start creates a monitor for the run and serves it in the background. The returned hook should be
// registered with the trainer.
func Start(ctx context.Context, addr, run string, cfg nnet.Config, auth *AuthMiddleware) (*Monitor, error) {
	mon := NewMonitor(run, cfg)
	r, err := NewRouter(mon, auth)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := Serve(ctx, addr, r); err != nil {
			log.Println(err)
		}
	}()
	return mon, nil
}
