//go:build wireinject
// +build wireinject

package di

import (
	"LevelWatch/pkg/config"
	"LevelWatch/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideRedisClient,
		ProvideAlertStore,
		ProvideQuoteCache,
		ProvidePriceSource,
		ProvideFireRecorder,

		// Engine
		ProvideMultiplexer,
		ProvideNotifier,
		ProvideManager,
		ProvideJanitor,
		ProvideRedeliveryConsumer,

		// Transport
		ProvideAlertsHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
