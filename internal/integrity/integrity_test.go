package integrity

import (
	"os"
	"path/filepath"
	"testing"
)

type recordingNotifier struct {
	verdicts []bool
}

func (r *recordingNotifier) MockLocationVerdict(suspected bool) {
	r.verdicts = append(r.verdicts, suspected)
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func cleanProbe(notifier Notifier) *Probe {
	p := NewProbe(notifier)
	p.dmiPaths = []string{"/nonexistent/dmi"}
	p.cpuInfo = "/nonexistent/cpuinfo"
	p.suPaths = []string{"/nonexistent/su"}
	p.euid = func() int { return 1000 }
	return p
}

func TestAssessCleanEnvironment(t *testing.T) {
	p := cleanProbe(nil)

	report := p.Assess()
	if report.RootSuspected != 0 || report.MockLocationSuspected != 0 {
		t.Fatalf("expected zero bits for a clean environment, got %+v", report)
	}
}

func TestAssessDetectsVirtualization(t *testing.T) {
	p := cleanProbe(nil)
	p.dmiPaths = []string{writeTemp(t, "product_name", "QEMU Standard PC\n")}

	report := p.Assess()
	if report.MockLocationSuspected != 1 {
		t.Fatalf("expected mock suspicion for QEMU marker, got %+v", report)
	}
	if report.RootSuspected != 0 {
		t.Fatalf("virtualization marker must not flag root, got %+v", report)
	}
}

func TestAssessDetectsHypervisorFlag(t *testing.T) {
	p := cleanProbe(nil)
	p.cpuInfo = writeTemp(t, "cpuinfo", "flags : fpu vme hypervisor\n")

	if report := p.Assess(); report.MockLocationSuspected != 1 {
		t.Fatalf("expected mock suspicion for hypervisor flag, got %+v", report)
	}
}

func TestAssessDetectsRoot(t *testing.T) {
	p := cleanProbe(nil)
	p.euid = func() int { return 0 }

	if report := p.Assess(); report.RootSuspected != 1 {
		t.Fatalf("expected root suspicion for euid 0, got %+v", report)
	}
}

func TestAssessDetectsSuBinary(t *testing.T) {
	p := cleanProbe(nil)
	p.suPaths = []string{writeTemp(t, "su", "")}

	if report := p.Assess(); report.RootSuspected != 1 {
		t.Fatalf("expected root suspicion for su binary, got %+v", report)
	}
}

func TestVerdictNotifiedOnlyOnChange(t *testing.T) {
	notifier := &recordingNotifier{}
	p := cleanProbe(notifier)
	p.dmiPaths = []string{writeTemp(t, "product_name", "VirtualBox\n")}

	p.Assess()
	p.Assess()
	p.Assess()

	if len(notifier.verdicts) != 1 {
		t.Fatalf("expected one verdict notification, got %d", len(notifier.verdicts))
	}
	if !notifier.verdicts[0] {
		t.Fatal("expected suspected verdict")
	}
}

func TestAssessResultIsCached(t *testing.T) {
	p := cleanProbe(nil)
	first := p.Assess()

	// markers appearing later don't change the cached verdict
	p.euid = func() int { return 0 }
	second := p.Assess()

	if first != second {
		t.Fatalf("expected cached report, got %+v then %+v", first, second)
	}
}
