package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigapi/gigapi-datalink/config"
	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/datalink"
	"github.com/gigapi/gigapi-datalink/engine"
	"github.com/gigapi/gigapi-datalink/frame"
	"github.com/gigapi/gigapi-datalink/present"
	"github.com/gigapi/gigapi-datalink/server"
)

func main() {
	// Add command line flags
	configFlag := flag.String("config", "", "Path to a config file")
	renderFlag := flag.String("render", "", "Render a JSON records file, print its display payload and exit")
	teardownFlag := flag.Bool("teardown", false, "Drop every stored display and exit")
	flag.Parse()

	settings, err := config.InitConfig(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := core.InitLogger(settings.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	ctx := core.WithDefaultLogger(context.Background(), "main")

	recorder := present.NewRecorder(nil)
	eng, err := engine.Open(ctx, settings, recorder)
	if err != nil {
		core.Errorf(ctx, "Failed to initialize engine: %v", err)
		os.Exit(1)
	}
	defer eng.Close()

	if *teardownFlag {
		if err := eng.Teardown(ctx); err != nil {
			core.Errorf(ctx, "Teardown failed: %v", err)
			os.Exit(1)
		}
		return
	}

	// If render flag is provided, render once and exit
	if *renderFlag != "" {
		if err := renderFile(ctx, eng, recorder, *renderFlag); err != nil {
			log.Fatalf("Render error: %v", err)
		}
		return
	}

	srv := server.NewServer(eng, datalink.NewHandler(eng, nil), recorder)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", settings.Port),
		Handler: srv.Routes(),
	}

	go func() {
		core.Infof(ctx, "Datalink server running at http://localhost:%d", settings.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			core.Errorf(ctx, "Failed to start server: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		core.Errorf(ctx, "Shutdown failed: %v", err)
	}
}

func renderFile(ctx context.Context, eng *engine.Engine, recorder *present.Recorder, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	table, err := frame.ToFrame(rows)
	if err != nil {
		return err
	}
	res, err := eng.Render(ctx, table)
	if err != nil {
		return err
	}
	payload, _ := recorder.Last(res.DisplayID)
	out, err := json.MarshalIndent(map[string]any{
		payload.MediaType: payload.Data,
		"metadata":        payload.Metadata,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
