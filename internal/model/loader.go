package model

import (
	"context"
	"fmt"

	"gotts/internal/core"
)

// AssetChecker reports whether the reference voice is usable.
type AssetChecker interface {
	Exists() (bool, string)
}

// EngineLoader returns the loader used in production: the reference asset must
// be present before the engine is asked to load.
func EngineLoader(ref AssetChecker, engine core.Engine) LoaderFunc {
	return func(ctx context.Context) error {
		if ref != nil {
			if ok, msg := ref.Exists(); !ok {
				return fmt.Errorf("reference voice unavailable: %s", msg)
			}
		}
		if err := engine.Load(ctx); err != nil {
			return fmt.Errorf("%s engine: %w", engine.Name(), err)
		}
		return nil
	}
}
