// Command toolservice runs the Tool Service's own network surface (§4.4,
// §6): GET /tools and POST /tool/<name>, the sole path through which every
// persistent state change in this engine flows.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/store"
	"github.com/familyassist/orchestrator/internal/toolservice"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:   "toolservice",
		Short: "Run the tool service HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return run(cfg)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	logger := log.New(log.Writer(), "[toolservice] ", log.LstdFlags)

	charts := toolservice.NewChartRenderer(cfg.Media)
	svc := toolservice.New(st, charts, cfg.ToolService.SigningSecret)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}
		logger.Printf("%d %s %s: %v", code, c.Request().Method, c.Request().URL.Path, err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]string{"error": err.Error()})
		}
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	handler := toolservice.NewHandler(svc)
	handler.Register(e.Group(""), cfg.ToolService.APIKeyHash)

	addr := cfg.ToolService.Address
	logger.Printf("listening on %s", addr)
	return e.Start(addr)
}
