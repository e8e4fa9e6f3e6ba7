package commands

import (
	"context"

	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/internal/config"
	"github.com/jakechorley/escort-dispatch/pkg/core/services"
	"github.com/jakechorley/escort-dispatch/pkg/db"
)

// AppContext holds the application dependencies shared across all commands
type AppContext struct {
	Cfg        *config.Config
	Store      db.RecordStore
	Dispatcher *services.Dispatcher
	// Migrate is set when the store needs schema migrations
	Migrate func(ctx context.Context) error
	Logger  *zap.Logger
	Ctx     context.Context
}
