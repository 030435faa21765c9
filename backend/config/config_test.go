package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "running:\n  port: 5005\nmysql:\n  dsn: root@tcp(db:3306)/crema\ndomain:\n  lockWaitMax: 5s\n"
	if err := os.WriteFile(filepath.Join(dir, "cremaConfig.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CREMA_KAFKA_TOPIC", "from-env")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assert.Equal(t, cfg.Running.Port, 5005)
	assert.Equal(t, cfg.Mysql.DSN, "root@tcp(db:3306)/crema")
	assert.Equal(t, cfg.Domain.LockWaitMax, 5*time.Second)
	assert.Equal(t, cfg.Kafka.Topic, "from-env")
	assert.Equal(t, cfg.Push.QueueSize, 256)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assert.Equal(t, cfg.Running.Port, 4004)
	assert.Equal(t, cfg.Limit.Wait, 200*time.Millisecond)
}
