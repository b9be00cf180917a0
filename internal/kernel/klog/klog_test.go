package klog_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/weenixfs/kernel/internal/kernel/klog"
)

func TestConfigureAndForProduceANamedLogger(t *testing.T) {
	klog.Configure(klog.Options{FilePath: filepath.Join(t.TempDir(), "kernel.log"), Debug: true})

	log := klog.For("s5fs")
	assert.NotNil(t, log)
	assert.NotPanics(t, func() { log.Infow("mounted", "name", "disk0") })
	klog.Sync()
}

func TestForReturnsUsableLoggerBeforeConfigure(t *testing.T) {
	assert.NotPanics(t, func() { klog.For("unconfigured").Infow("boot") })
}
