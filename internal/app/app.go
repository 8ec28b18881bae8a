package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"medrag/apps/ingest/features/history"
	"medrag/apps/ingest/features/ingest"
	"medrag/apps/ingest/features/library"
	"medrag/apps/ingest/internal/config"
	"medrag/apps/ingest/internal/middleware"
	"medrag/apps/ingest/internal/pipeline"
)

// Database lets tests pass sqlmock while production passes *sql.DB.
type Database interface {
	PingContext(ctx context.Context) error
}

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

type App struct {
	Handler http.Handler
	Session *ingest.Session

	port int
}

func New(
	cfg *config.Config,
	db Database,
	pipe *pipeline.Client,
	taskPub TaskPublisher,
	logger *slog.Logger,
) (*App, error) {
	// Cast db to *sql.DB for repositories that require it.
	sqlDB := db.(*sql.DB)

	// Feature: History
	historyRepo := history.NewPostgresRepo(sqlDB)
	historyService := history.NewService(historyRepo)
	historyHandler := history.NewHandler(historyService)

	// Feature: Ingest
	session := ingest.NewSession(pipe, &streamDialer{client: pipe}, taskPub, historyService, logger, ingest.Options{
		Mode:         ingest.Mode(cfg.TrackerMode),
		PollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		TailLimit:    cfg.StatusTailLimit,
		Clean:        cfg.CleanTempFiles,
	})
	ingestHandler := ingest.NewHandler(session, cfg.UploadDir, int(cfg.MaxUploadSizeMB))

	// Feature: Library
	libraryHandler := library.NewHandler(pipe)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /ingest/jobs", middleware.CorrelationID(enableCORS(ingestHandler.Create)))
	mux.Handle("POST /ingest/run", middleware.CorrelationID(enableCORS(ingestHandler.Run)))
	mux.Handle("GET /ingest/jobs", middleware.CorrelationID(enableCORS(ingestHandler.List)))
	mux.Handle("POST /ingest/jobs/{id}/decision", middleware.CorrelationID(enableCORS(ingestHandler.Decide)))
	mux.Handle("DELETE /ingest/jobs/{id}", middleware.CorrelationID(enableCORS(ingestHandler.Cancel)))

	mux.Handle("GET /history", middleware.CorrelationID(enableCORS(historyHandler.List)))

	mux.Handle("DELETE /library/{id}", middleware.CorrelationID(enableCORS(libraryHandler.Delete)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler: mux,
		Session: session,
		port:    cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		a.Session.Close()
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// streamDialer adapts the pipeline client's WebSocket connector to the
// session's dialer interface.
type streamDialer struct {
	client *pipeline.Client
}

func (d *streamDialer) Connect(ctx context.Context) (ingest.EventStream, error) {
	st, err := d.client.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}
