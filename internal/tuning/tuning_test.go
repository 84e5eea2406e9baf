package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTuning(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write tuning: %v", err)
	}
	return p
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	p := writeTuning(t, "batch_size_per_tick: 8\nvalidation_timeout_ms: 1500\n")

	tune, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tune.BatchSizePerTick != 8 {
		t.Fatalf("batch_size_per_tick=%d want=8", tune.BatchSizePerTick)
	}
	if tune.ValidationTimeout() != 1500*time.Millisecond {
		t.Fatalf("validation timeout=%v want=1.5s", tune.ValidationTimeout())
	}
	def := Defaults()
	if tune.TickRateHz != def.TickRateHz || tune.PhysicsDelayMs != def.PhysicsDelayMs {
		t.Fatalf("untouched fields must keep defaults: %+v", tune)
	}
	if !tune.Enabled || !tune.DistancePriority {
		t.Fatalf("boolean defaults lost: %+v", tune)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []string{
		"tick_rate_hz: 0\n",
		"batch_size_per_tick: -1\n",
		"validation_timeout_ms: 0\n",
		"physics_delay_ms: -5\n",
	}
	for _, body := range cases {
		if _, err := Load(writeTuning(t, body)); err == nil {
			t.Fatalf("expected validation error for %q", body)
		}
	}
}

func TestLoad_MissingFileReturnsNotExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	tune := Defaults()
	if tune.ValidationTimeout() != 3*time.Second {
		t.Fatalf("default validation timeout=%v", tune.ValidationTimeout())
	}
	if tune.PhysicsDelay() != 100*time.Millisecond {
		t.Fatalf("default physics delay=%v", tune.PhysicsDelay())
	}
}
