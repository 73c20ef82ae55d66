package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CreateServer creates an HTTP server for handler bound to addr.
// WriteTimeout is left unset since upgraded sockets outlive any request.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer binds the listener and serves in the background. Only a bind
// failure is returned; serve errors after startup are logged.
func StartServer(server *http.Server) error {
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return errors.Wrapf(err, "unable to listen on %s", server.Addr)
	}

	log := logrus.WithField("comp", "server")
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithField("state", "stopping").WithError(err).Error("http server stopped")
		}
	}()

	log.WithField("addr", listener.Addr().String()).WithField("state", "started").Info("server listening")
	return nil
}

// ShutdownServer stops the HTTP server, waiting up to timeout for in-flight
// requests.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	log := logrus.WithField("comp", "server")
	log.WithField("state", "stopping").Info("stopping http server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithField("state", "stopping").WithError(err).Error("error shutting down http server")
		return err
	}

	log.WithField("state", "stopped").Info("http server stopped")
	return nil
}
