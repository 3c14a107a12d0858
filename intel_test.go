package vigil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIntelConfig() IntelConfig {
	return IntelConfig{
		SampleWeight:      0.3,
		MonitorRiskScore:  50,
		MonitorDetections: 5,
		BlockRiskScore:    80,
		Retention:         time.Hour,
		MaxTrackedSources: 3,
	}
}

func TestIntelStoreEMA(t *testing.T) {
	store := NewIntelStore(testIntelConfig())
	intel := store.Update("ip:1.1.1.1", 90, []string{"sql_injection"}, 1)
	require.NotNil(t, intel)
	assert.InDelta(t, 27.0, intel.RiskScore, 0.001, "first sample: 0*0.7 + 90*0.3")

	intel = store.Update("ip:1.1.1.1", 90, []string{"xss"}, 1)
	assert.InDelta(t, 27*0.7+90*0.3, intel.RiskScore, 0.001)
	assert.Equal(t, 2, intel.TotalDetections)
	assert.ElementsMatch(t, []string{"sql_injection", "xss"}, intel.ThreatTypes)
}

func TestIntelStoreDecaysOnCleanTraffic(t *testing.T) {
	store := NewIntelStore(testIntelConfig())
	store.Update("ip:1.1.1.1", 90, nil, 1)
	intel := store.Update("ip:1.1.1.1", 0, nil, 0)
	require.NotNil(t, intel)
	assert.InDelta(t, 27*0.7, intel.RiskScore, 0.001)
}

func TestIntelStoreNoEntryForCleanSource(t *testing.T) {
	store := NewIntelStore(testIntelConfig())
	assert.Nil(t, store.Update("ip:9.9.9.9", 0, nil, 0))
	_, ok := store.Get("ip:9.9.9.9")
	assert.False(t, ok)
}

func TestIntelStoreFlags(t *testing.T) {
	store := NewIntelStore(testIntelConfig())
	var intel *ThreatIntelligence
	for i := 0; i < 5; i++ {
		intel = store.Update("ip:1.1.1.1", 100, nil, 1)
	}
	require.NotNil(t, intel)
	assert.True(t, intel.ActivelyMonitored, "five detections crosses the monitor bar")
	// EMA after five samples of 100 with w=0.3 is ~83.2.
	assert.True(t, intel.BlockRecommendation)
}

func TestIntelStoreListOrder(t *testing.T) {
	store := NewIntelStore(testIntelConfig())
	store.Update("low", 10, nil, 1)
	store.Update("high", 100, nil, 1)
	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "high", list[0].Key)
}

func TestIntelStorePrune(t *testing.T) {
	cfg := testIntelConfig()
	store := NewIntelStore(cfg)
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	now := base
	store.now = func() time.Time { return now }

	store.Update("stale", 10, nil, 1)
	now = base.Add(30 * time.Minute)
	store.Update("a", 10, nil, 1)
	store.Update("b", 10, nil, 1)
	store.Update("c", 10, nil, 1)

	now = base.Add(90 * time.Minute)
	removed := store.Prune()
	assert.Equal(t, 1, removed, "stale entry past retention is dropped")
	_, ok := store.Get("stale")
	assert.False(t, ok)

	// Over the cap: oldest entries evicted first.
	store.Update("d", 10, nil, 1)
	store.Update("e", 10, nil, 1)
	removed = store.Prune()
	assert.Equal(t, 2, removed)
	assert.Len(t, store.List(), cfg.MaxTrackedSources)
}

func TestIntelStorePruneKeepsMonitored(t *testing.T) {
	store := NewIntelStore(testIntelConfig())
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	now := base
	store.now = func() time.Time { return now }

	for i := 0; i < 6; i++ {
		store.Update("offender", 90, nil, 1)
	}
	now = base.Add(2 * time.Hour)
	store.Prune()
	_, ok := store.Get("offender")
	assert.True(t, ok, "monitored sources outlive retention")
}
