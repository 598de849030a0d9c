package config

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConcurrencyCapDefaultsToDoubleCPUCount(t *testing.T) {
	r := &Run{}
	assert.Equal(t, runtime.NumCPU()*2, r.concurrencyCap())

	r = &Run{ConcurrencyCap: 7}
	assert.Equal(t, 7, r.concurrencyCap())
}

func TestModuleSyncEveryN(t *testing.T) {
	cases := []struct {
		name              string
		discoveryInterval time.Duration
		moduleSyncEvery   time.Duration
		want              int
	}{
		{"six ticks at default cadence", 5 * time.Second, 30 * time.Second, 6},
		{"rounds down a non-multiple", 5 * time.Second, 17 * time.Second, 3},
		{"floors at one tick when module sync is faster", 5 * time.Second, 1 * time.Second, 1},
		{"floors at one tick when discovery interval is unset", 0, 30 * time.Second, 1},
		{"floors at one tick when module sync interval is unset", 5 * time.Second, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &Run{DiscoveryInterval: tc.discoveryInterval, ModuleSyncInterval: tc.moduleSyncEvery}
			assert.Equal(t, tc.want, r.moduleSyncEveryN())
		})
	}
}

func TestDBConfig(t *testing.T) {
	r := &Run{StatementTimeout: 30 * time.Second, MaxRetries: 3, MaxOpenConns: 5}
	dbconf := r.DBConfig()
	assert.Equal(t, 30*time.Second, dbconf.StatementTimeout)
	assert.Equal(t, 3, dbconf.MaxRetries)
	assert.Equal(t, 5, dbconf.MaxOpenConns)
}

func TestCoordinatorConfigResolvesDefaultsFromRun(t *testing.T) {
	r := &Run{
		PrimaryDSN:         "sqlserver://primary",
		ReplicaDSN:         "sqlserver://replica",
		PollInterval:       5 * time.Second,
		DiscoveryInterval:  5 * time.Second,
		ModuleSyncInterval: 30 * time.Second,
		ChunkSize:          2500,
	}
	cfg := r.CoordinatorConfig()
	assert.Equal(t, "sqlserver://primary", cfg.PrimaryDSN)
	assert.Equal(t, "sqlserver://replica", cfg.ReplicaDSN)
	assert.Equal(t, 5*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 5*time.Second, cfg.DiscoveryInterval)
	assert.Equal(t, 6, cfg.ModuleSyncEveryN)
	assert.Equal(t, 2500, cfg.ChunkSize)
	assert.Greater(t, cfg.ConcurrencyCap, 0)
}
