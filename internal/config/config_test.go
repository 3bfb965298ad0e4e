package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxoffice/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("bx-test")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "bx-test", cfg.Project.ID)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Transactions.DefaultTTL)
	assert.Equal(t, 3, cfg.Tasks.TriesFor(domain.TaskInformOrder))
	assert.Equal(t, 10, cfg.Tasks.TriesFor(domain.TaskPayCreditCard))
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
project:
  id: cinema
  order_prefix: CN
tasks:
  tries:
    PayCreditCard: 4
notifications:
  inform_order:
    - name: crm
      url: https://crm.example.com/hooks/orders
`))
	require.NoError(t, err)
	assert.Equal(t, "CN", cfg.Project.OrderPrefix)
	assert.Equal(t, 4, cfg.Tasks.TriesFor(domain.TaskPayCreditCard))
	assert.Equal(t, 3, cfg.Tasks.TriesFor(domain.TaskTriggerWebhook))
	assert.Equal(t, 10*time.Minute, cfg.Tasks.RunningTimeout)
	require.Len(t, cfg.Notify.InformOrder, 1)
	assert.Equal(t, "crm", cfg.Notify.InformOrder[0].Name)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"mysql without dsn": "project: {id: p}\nstore: {driver: mysql}\n",
		"unknown driver":    "project: {id: p}\nstore: {driver: mongo}\n",
		"unknown task":      "project: {id: p}\ntasks: {tries: {Teleport: 2}}\n",
		"http without urls": "project: {id: p}\ngateways: {mode: http}\n",
		"bad webhook":       "project: {id: p}\nnotifications: {inform_order: [{url: 'ftp://x'}]}\n",
		"missing project":   "log: {level: debug}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", cfg.Project.ID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "boxoffice.yml"), []byte(GenerateDefault("fromfile")), 0o644))
	cfg, err = LoadOptional(dir, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fromfile", cfg.Project.ID)
}
