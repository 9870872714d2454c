package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/bpmn-engine/cmd/engine/container"
	"github.com/lyzr/bpmn-engine/cmd/engine/routes"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx := context.Background()

	// Initialize service container (singleton pattern - all services created once)
	c, err := container.NewContainer(ctx, "bpmn-engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize engine: %v\n", err)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e)

	// Register all routes
	registerRoutes(e, c)

	// Start server with graceful shutdown
	startServer(e, c)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterModelRoutes(e, c)
	routes.RegisterInstanceRoutes(e, c)
	routes.RegisterTestRoutes(e, c)
}

// startServer starts the Echo server and blocks until a shutdown signal,
// then drains HTTP connections and stops running instances
func startServer(e *echo.Echo, c *container.Container) {
	port := c.Config.Service.Port
	c.Logger.Info("Starting engine", "port", port)

	go func() {
		if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && err != http.ErrServerClosed {
			c.Logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	c.Logger.Info("Shutting down engine")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		c.Logger.Error("Server shutdown error", "error", err)
	}
	c.Shutdown(ctx)
}
