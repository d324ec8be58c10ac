// Command api serves paysync's webhook, collaborator and operator endpoints
// and runs the retry and renewal jobs.
package main

// @title           paysync API
// @version         1.0
// @description     Payment and subscription consistency engine.

// @host      localhost:8888
// @BasePath  /

// @securityDefinitions.apikey  OperatorAuth
// @in                          header
// @name                        Authorization

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fatflowers/paysync/internal/app"
)

func main() {
	if err := run(); err != nil {
		// the app logger may not exist yet
		zap.NewExample().Sugar().Error(err)
		os.Exit(1)
	}
}

func run() error {
	a := fx.New(
		app.Module,
		fx.WithLogger(func(log *zap.SugaredLogger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Desugar().Named("fx")}
		}),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), app.DefaultStartTimeout)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}

	// fx handles SIGINT/SIGTERM
	sig := <-a.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.DefaultStopTimeout)
	defer cancelStop()
	if err := a.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop app after %v: %w", sig.Signal, err)
	}
	return nil
}
