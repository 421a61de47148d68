// Package utils holds the shared file logger. Terminal adapters write
// call-level diagnostics here so the main log stays close to one line
// per strategy decision.
package utils

import (
	"log"
	"os"
	"sync"
)

const logFile = "sweep-trader.log"

var (
	logger *log.Logger
	once   sync.Once
)

// GetLogger returns the process-wide file logger, creating it on first
// use. When the file cannot be opened it falls back to stderr rather
// than aborting a running trader.
func GetLogger() *log.Logger {
	once.Do(func() {
		file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("Log | Cannot open %s, logging to stderr: %v", logFile, err)
			logger = log.New(os.Stderr, "sweep-trader: ", log.LstdFlags)
			return
		}
		logger = log.New(file, "sweep-trader: ", log.LstdFlags)
	})
	return logger
}
