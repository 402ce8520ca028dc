package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 20 * time.Second

// Serve runs the HTTP server until SIGINT or SIGTERM, then waits for open
// connections and calls onShutdown
func Serve(address string, handler http.Handler, onShutdown func()) error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{})

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	server := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Str("service", "api").Msg("received signal to terminate the server")
		if onShutdown != nil {
			onShutdown()
		}
		log.Info().Str("service", "api").Msg("all services are stopped")
		close(done)
	})

	go func() {
		<-quit
		log.Warn().Str("service", "api").Msg("the server is going shutting down")

		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Error().Err(err).Str("service", "api").Msg("can't gracefully shutdown the server")
		}
	}()

	log.Info().Str("service", "api").Str("address", address).Msg("listening")
	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	<-done
	log.Info().Str("service", "api").Msg("server stopped")

	return nil
}
