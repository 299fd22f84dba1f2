// Command ledgerctl runs one-off ledger operations against the configured database:
// schema migrations, a single pass of the pending-transaction poller, and account
// provisioning for a member.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/coopbank/ledger-service/internal/app"
	"github.com/coopbank/ledger-service/internal/config"
	"github.com/coopbank/ledger-service/internal/gateway"
	"github.com/coopbank/ledger-service/internal/store"
	"github.com/coopbank/ledger-service/pkg/momoclient"
	rmrabbit "github.com/coopbank/ledger-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

var configDir string

func main() {
	rootCmd := &cobra.Command{
		Use:     "ledgerctl",
		Short:   "Operator tooling for the cooperative ledger",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load(filepath.Join(configDir, ".env"))
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory holding an optional .env file")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(provisionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session holds what every command needs; close releases it.
type session struct {
	cfg       config.Config
	pool      *pgxpool.Pool
	publisher rmrabbit.Publisher
	notifier  *app.Notifier
	service   *app.Service
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=ledgerctl msg=\"rabbitmq unavailable; events will be dropped\" err=%v", err)
		} else {
			publisher = producer
		}
	}
	notifier := app.NewNotifier(publisher, cfg.EventsExchange, cfg.NotifierQueueSize, nil)

	momoClient := momoclient.NewClient(cfg.MomoAPIBaseURL, cfg.MomoAPIKey, time.Duration(cfg.MomoAPITimeoutSeconds)*time.Second)
	repo := store.NewPostgresRepository(pool, time.Duration(cfg.DBTxTimeoutSeconds)*time.Second)
	service := app.NewService(repo, cfg.Policy(), gateway.NewAdapter(momoClient, nil), notifier, app.Options{
		FeeCollectionAccountID: cfg.FeeAccountID,
		RoutingPrefix:          cfg.RoutingPrefix(),
	})

	return &session{cfg: cfg, pool: pool, publisher: publisher, notifier: notifier, service: service}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.Close(ctx); err != nil {
		log.Printf("level=warn component=ledgerctl msg=\"event queue not drained\" err=%v", err)
	}
	s.publisher.Close()
	s.pool.Close()
}
