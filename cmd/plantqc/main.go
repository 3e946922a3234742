package main

import "codeberg.org/mutker/plantqc/internal/logger"

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.FatalWithCode(err).Msg("plantqc terminated")
	}
}
