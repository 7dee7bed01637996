package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/campuscode/coderoom/internal/api"
	"github.com/campuscode/coderoom/internal/config"
	"github.com/campuscode/coderoom/internal/server"
	"github.com/campuscode/coderoom/internal/stats"
	"github.com/campuscode/coderoom/internal/store"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr               string
	mongoURI           string
	dbName             string
	signingKey         string
	allowedOrigins     stringSliceFlag
	checkpointInterval time.Duration
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&mongoURI, "mongo-uri", "mongodb://localhost:27017", "mongodb connection string")
	flag.StringVar(&dbName, "db-name", "coderoom", "mongodb database name")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&checkpointInterval, "checkpoint-interval", 30*time.Second, "interval between checkpoint sweeps")
	flag.Parse()

	logger := log.New(os.Stderr, "[coderoom] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, mongoURI, dbName, signingKey, allowedOrigins, checkpointInterval)
	if err != nil {
		logger.Fatal("config:", err)
	}

	connCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	mongoClient, err := mongo.Connect(connCtx, options.Client().ApplyURI(cfg.MongoURI))
	cancel()
	if err != nil {
		logger.Fatal("mongo connect:", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Println("mongo disconnect:", err)
		}
	}()

	repo := store.NewMongoRepository(mongoClient, cfg.DatabaseName)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = repo.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Fatal("mongo ping:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	collabServer, err := server.NewCollabServer(logger, repo, statsUpdater)
	if err != nil {
		logger.Fatal("new collab server:", err)
	}

	srv := api.NewCodeRoomApp(mux, logger, collabServer, repo, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go collabServer.Run()

	scheduler := cron.New()
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.CheckpointInterval), collabServer.CheckpointAll)
	if err != nil {
		logger.Fatal("schedule checkpoint sweep:", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down collab server...")
	if err := collabServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("collab server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
