package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/customeros/popstack/config"
	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/internal/database"
	"github.com/customeros/popstack/internal/enum"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/repository"
	"github.com/customeros/popstack/internal/utils"
	"github.com/customeros/popstack/server"
	"github.com/customeros/popstack/services/events"
)

func main() {
	app := &cli.App{
		Name:  "popstack",
		Usage: "POP3 mailbox sync and SMTP send service",
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Run database migrations",
				Action: migrate,
			},
			{
				Name:   "server",
				Usage:  "Start the application server",
				Action: runServer,
			},
			{
				Name:  "sync",
				Usage: "Ask a running server to sync an account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Aliases: []string{"a"}, Usage: "account id", Required: true},
					&cli.BoolFlag{Name: "force", Usage: "sync even when the account is waiting out a retry"},
				},
				Action: requestSync,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.InitConfig()
	if err != nil {
		return nil, fmt.Errorf("config initialization failed: %w", err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is empty")
	}
	return cfg, nil
}

func migrate(_ *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	popstackDB, err := database.InitPopstackDatabase(cfg.PopstackDatabaseConfig)
	if err != nil {
		return err
	}
	if err := repository.MigratePopstackDB(cfg.PopstackDatabaseConfig, popstackDB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed successfully")
	return nil
}

func runServer(_ *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	popstackDB, err := database.InitPopstackDatabase(cfg.PopstackDatabaseConfig)
	if err != nil {
		return err
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("PopStack starting up...")

	srv, err := server.NewServer(cfg, popstackDB)
	if err != nil {
		return fmt.Errorf("server setup failed: %w", err)
	}
	if err := srv.Run(); err != nil {
		return fmt.Errorf("server startup failed: %w", err)
	}

	log.Println("Shutdown complete")
	return nil
}

func requestSync(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.AppConfig.RabbitMQURL == "" {
		return fmt.Errorf("RABBITMQ_URL is required to reach the server")
	}

	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	publisher, err := events.NewRabbitMQPublisher(cfg.AppConfig.RabbitMQURL, appLogger, events.DefaultPublisherConfig())
	if err != nil {
		return err
	}
	defer publisher.Close()

	accountID := c.String("account")
	ctx := utils.WithCustomContext(context.Background(), &utils.CustomContext{
		AppSource: events.AppSource + "-cli",
		AccountId: accountID,
	})
	request := dto.SyncAccount{AccountID: accountID, Force: c.Bool("force")}
	if err := publisher.PublishDirectEvent(ctx, accountID, enum.ACCOUNT, request, events.RoutingKeySyncAccount); err != nil {
		return fmt.Errorf("failed to request sync: %w", err)
	}
	log.Printf("Sync of account %s requested", accountID)
	return nil
}
