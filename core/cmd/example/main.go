package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/rumagent"
)

func main() {
	// Region, app monitor and credentials come from RUM_* variables
	agent, err := rumagent.New(
		rumagent.WithApplicationName("example-app"),
		rumagent.WithLogFormat("console"),
	)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := agent.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}()

	agent.SetGlobalAttribute(attribute.String("app.version", rumagent.Version))
	agent.SetScreen("home")

	mux := http.NewServeMux()
	mux.Handle("/health", agent.HealthHandler())
	mux.HandleFunc("/tap", func(w http.ResponseWriter, r *http.Request) {
		defer agent.RecoverPanic()
		agent.EmitEvent(r.Context(), "button.tap", attribute.String("button", r.URL.Query().Get("name")))
		w.WriteHeader(http.StatusAccepted)
	})
	server := &http.Server{Addr: ":8080", Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	log.Println("Serving on :8080")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Print(err)
	}
}
