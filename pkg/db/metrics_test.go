package db

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func describe(c prometheus.Collector) []string {
	ch := make(chan *prometheus.Desc, 16)
	go func() {
		c.Describe(ch)
		close(ch)
	}()

	var out []string
	for d := range ch {
		out = append(out, d.String())
	}
	return out
}

func TestPoolStatsCollector_Describe(t *testing.T) {
	descs := describe(NewPoolStatsCollector(nil, "penf_recorder", "transcripts"))

	want := []string{
		"penf_recorder_db_pool_total_conns",
		"penf_recorder_db_pool_idle_conns",
		"penf_recorder_db_pool_acquired_conns",
		"penf_recorder_db_pool_max_conns",
		"penf_recorder_db_pool_acquires_total",
		"penf_recorder_db_pool_empty_acquires_total",
		"penf_recorder_db_pool_canceled_acquires_total",
		"penf_recorder_db_pool_acquire_wait_seconds_total",
	}
	if len(descs) != len(want) {
		t.Fatalf("expected %d descriptors, got %d", len(want), len(descs))
	}
	for i, name := range want {
		if !strings.Contains(descs[i], `fqName: "`+name+`"`) {
			t.Errorf("descriptor %d = %s, want %s", i, descs[i], name)
		}
		if !strings.Contains(descs[i], `pool="transcripts"`) {
			t.Errorf("descriptor %d lacks the pool label: %s", i, descs[i])
		}
	}
}

func TestPoolStatsCollector_NilPoolCollectsNothing(t *testing.T) {
	c := NewPoolStatsCollector(nil, "penf_recorder", "transcripts")

	if n := testutil.CollectAndCount(c); n != 0 {
		t.Errorf("expected no metrics for a nil pool, got %d", n)
	}

	problems, err := testutil.CollectAndLint(c)
	if err != nil {
		t.Fatalf("CollectAndLint failed: %v", err)
	}
	for _, p := range problems {
		t.Errorf("lint problem: %s", p.Text)
	}
}

func TestRegisterPoolStatsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()

	if _, err := RegisterPoolStatsCollector(reg, nil, "penf_recorder", "transcripts"); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := RegisterPoolStatsCollector(reg, nil, "penf_recorder", "transcripts"); err != nil {
		t.Errorf("registering the same pool twice should not fail: %v", err)
	}
	if _, err := RegisterPoolStatsCollector(reg, nil, "penf_recorder", "audit"); err != nil {
		t.Errorf("a second pool name should register: %v", err)
	}

	if _, err := reg.Gather(); err != nil {
		t.Errorf("Gather failed: %v", err)
	}
}
