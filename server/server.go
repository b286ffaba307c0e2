package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/customeros/popstack/api"
	"github.com/customeros/popstack/config"
	"github.com/customeros/popstack/internal/cron"
	"github.com/customeros/popstack/internal/listeners"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/repository"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/services"
)

const shutdownTimeout = 15 * time.Second

type Server struct {
	config       *config.Config
	log          logger.Logger
	httpServer   *http.Server
	router       *gin.Engine
	services     *services.Services
	repositories *repository.Repositories
	cron         *cron.CronManager
	tracerCloser io.Closer
}

func NewServer(cfg *config.Config, popstackDB *gorm.DB) (*Server, error) {
	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	tracer, closer, err := tracing.NewJaegerTracer(cfg.Tracing, appLogger)
	if err != nil {
		return nil, fmt.Errorf("could not initialize jaeger tracer: %w", err)
	}
	opentracing.SetGlobalTracer(tracer)

	repos := repository.InitRepositories(popstackDB)

	svcs, err := services.InitServices(cfg, appLogger, repos)
	if err != nil {
		closer.Close()
		return nil, err
	}

	cronManager := cron.NewCronManager(cfg.CronConfig, appLogger, kubernetesClient(appLogger), repos.PopAccountRepository, svcs.PopService)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	return &Server{
		config:       cfg,
		log:          appLogger,
		router:       router,
		services:     svcs,
		repositories: repos,
		cron:         cronManager,
		tracerCloser: closer,
		httpServer: &http.Server{
			Addr:              ":" + cfg.AppConfig.APIPort,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// kubernetesClient returns nil outside a cluster; cron then runs locally.
func kubernetesClient(log logger.Logger) kubernetes.Interface {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		log.Infof("Not running in kubernetes: %v", err)
		return nil
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		log.Warnf("Could not create kubernetes client: %v", err)
		return nil
	}
	return client
}

func (s *Server) Initialize(ctx context.Context) error {
	if s.services.EventsService != nil {
		s.log.Info("Registering event listeners...")
		if err := listeners.Register(s.log, s.services.EventsService.Subscriber, s.services.PopService, s.services.SmtpService, s.config.AppConfig.ExclusiveConsumer); err != nil {
			return err
		}
	}

	api.RegisterRoutes(s.router, s.services.PopService, s.repositories.PopAccountRepository, s.services.SmtpService, s.config.AppConfig.APIKey)
	return nil
}

func (s *Server) recoverWithJaeger(name string) {
	if r := recover(); r != nil {
		span := opentracing.GlobalTracer().StartSpan(
			fmt.Sprintf("panic.%s", name),
		)
		defer span.Finish()

		ext.Error.Set(span, true)

		span.LogKV(
			"event", "panic",
			"process", name,
			"error", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()),
		)

		s.log.Errorf("❌ Panic in %s: %v\n%s", name, r, debug.Stack())
	}
}

func (s *Server) wrapGoroutine(name string, fn func()) {
	defer s.recoverWithJaeger(name)
	fn()
}

func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the POP service before listeners can hand it work
	s.log.Info("Starting POP service...")
	if err := s.services.PopService.Start(ctx); err != nil {
		return err
	}
	s.log.Info("✅ POP service started successfully")

	if err := s.Initialize(ctx); err != nil {
		return err
	}

	if err := s.cron.Start(s.config.AppConfig.InstanceID); err != nil {
		return err
	}

	go s.wrapGoroutine("http_server", func() {
		s.log.Infof("Starting HTTP server on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("❌ HTTP server error: %v", err)
		}
	})
	s.log.Info("PopStack is now running. Press Ctrl+C to exit.")

	return s.waitForShutdown()
}

func (s *Server) waitForShutdown() error {
	defer s.recoverWithJaeger("shutdown")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	s.log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("❌ HTTP server shutdown error: %v", err)
	} else {
		s.log.Info("✅ HTTP server shut down successfully")
	}

	s.cron.Stop()

	// Stop consuming before the sessions go away
	if s.services.EventsService != nil {
		if err := s.services.EventsService.Subscriber.Close(); err != nil {
			s.log.Warnf("Subscriber close error: %v", err)
		}
	}

	s.log.Info("Stopping POP service...")
	stopDone := make(chan struct{})
	go s.wrapGoroutine("pop_service_shutdown", func() {
		defer close(stopDone)
		if err := s.services.PopService.Stop(shutdownCtx); err != nil {
			s.log.Errorf("❌ POP service shutdown error: %v", err)
		} else {
			s.log.Info("✅ POP service stopped successfully")
		}
	})

	select {
	case <-stopDone:
	case <-shutdownCtx.Done():
		s.log.Warn("⚠️ POP service stop timed out, forcing exit")
	}

	if s.services.EventsService != nil {
		if err := s.services.EventsService.Close(); err != nil {
			s.log.Warnf("Events service close error: %v", err)
		}
	}
	if s.tracerCloser != nil {
		s.tracerCloser.Close()
	}
	return nil
}
