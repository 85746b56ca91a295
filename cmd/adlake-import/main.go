package main

import (
	"errors"
	"os"

	"adlake/internal/platform/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var failed *runFailedError
		if !errors.As(err, &failed) {
			logger.Get().Error().Err(err).Msg("adlake-import failed")
		}
		os.Exit(1)
	}
}
