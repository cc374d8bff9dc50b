// Command simulator serves a folder of JPEG files as an MJPEG stream,
// standing in for a camera server during development and testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/albinoxes/betl-vision-solution/internal/servicelog"
	"github.com/albinoxes/betl-vision-solution/internal/simsource"
)

func main() {
	var (
		dir   string
		port  int
		fps   float64
		debug bool
	)
	flag.StringVar(&dir, "dir", ".", "folder of JPEG files to serve")
	flag.IntVar(&port, "port", 8003, "listen port")
	flag.Float64Var(&fps, "fps", simsource.DefaultFPS, "playback frame rate")
	flag.BoolVar(&debug, "debug", false, "verbose logging")
	flag.Parse()

	logger, err := servicelog.Console(debug)
	if err != nil {
		log.Fatalf("can't initialize logger: %v", err)
	}
	defer logger.Sync()

	source, err := simsource.New(logger, dir)
	if err != nil {
		logger.Fatal("cannot open source folder", servicelog.Error(err))
	}
	defer source.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: source.Handler(fps),
		// Streaming responses: no write timeout.
		ReadTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("simulator listening",
		servicelog.Int("port", port),
		servicelog.String("dir", dir),
		servicelog.Float64("fps", fps))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("serve failed", servicelog.Error(err))
	}
}
