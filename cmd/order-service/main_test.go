package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetupLogger(t *testing.T) {
	previous := log.GetLevel()
	t.Cleanup(func() { log.SetLevel(previous) })

	setupLogger("debug")
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	setupLogger("warn")
	assert.Equal(t, log.WarnLevel, log.GetLevel())

	setupLogger("nonsense")
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}
