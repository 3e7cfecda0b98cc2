package source

import (
	"context"

	"go.uber.org/zap"

	"github.com/padraicbc/docmigrate/config"
)

// Open returns the document store named by cfg: MongoDB when MONGO_URI is
// set, the export directory otherwise.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (Source, error) {
	if cfg.UseMongo() {
		m, err := Connect(ctx, cfg.MongoURI, cfg.MongoDB, log)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	f, err := OpenDir(cfg.SourceDir, log)
	if err != nil {
		return nil, err
	}
	return f, nil
}
