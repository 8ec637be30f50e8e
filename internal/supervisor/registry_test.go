package supervisor

import (
	"testing"

	"github.com/loppo-llc/sentinel/internal/respawn"
)

func TestRegistry_PutAndGetController(t *testing.T) {
	r := newRegistry()
	ctrl := &respawn.Controller{}
	cfg := respawn.Config{UpdatePrompt: "hi"}
	r.putController("s1", ctrl, cfg)

	got, ok := r.getController("s1")
	if !ok || got != ctrl {
		t.Fatalf("expected to retrieve the controller just put, got %v ok=%v", got, ok)
	}
	gotCfg, ok := r.getRespawnConfig("s1")
	if !ok || gotCfg.UpdatePrompt != "hi" {
		t.Fatalf("expected to retrieve the config just put, got %+v ok=%v", gotCfg, ok)
	}
}

func TestRegistry_GetControllerMissingReturnsFalse(t *testing.T) {
	r := newRegistry()
	if _, ok := r.getController("missing"); ok {
		t.Fatal("expected ok=false for an unregistered id")
	}
}

func TestRegistry_RemoveControllerClearsBothMaps(t *testing.T) {
	r := newRegistry()
	r.putController("s1", &respawn.Controller{}, respawn.Config{})
	r.removeController("s1")

	if _, ok := r.getController("s1"); ok {
		t.Fatal("expected controller to be gone after removeController")
	}
	if _, ok := r.getRespawnConfig("s1"); ok {
		t.Fatal("expected respawn config to be gone after removeController")
	}
}

func TestRegistry_BeginCleanupGuardsAgainstConcurrentDoubleEntry(t *testing.T) {
	r := newRegistry()
	if !r.beginCleanup("s1") {
		t.Fatal("expected the first beginCleanup to succeed")
	}
	if r.beginCleanup("s1") {
		t.Fatal("expected a concurrent second beginCleanup on the same id to report false")
	}
	r.endCleanup("s1")
	if !r.beginCleanup("s1") {
		t.Fatal("expected beginCleanup to succeed again after endCleanup")
	}
}
