package guestinit

import "testing"

func TestParseCmdlineMountsEmpty(t *testing.T) {
	specs, err := parseCmdlineMounts("console=hvc0 root=/dev/vda rw")
	if err != nil {
		t.Fatalf("parseCmdlineMounts: %v", err)
	}
	if specs != nil {
		t.Fatalf("specs = %v, want nil", specs)
	}
}

func TestParseCmdlineMountsParsesEntries(t *testing.T) {
	cmdline := "console=hvc0 shuru.mounts=shuru-mount-0:/mnt/a:ro,shuru-mount-1:/mnt/b:rw root=/dev/vda"
	specs, err := parseCmdlineMounts(cmdline)
	if err != nil {
		t.Fatalf("parseCmdlineMounts: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}
	if specs[0] != (mountSpec{tag: "shuru-mount-0", target: "/mnt/a", readOnly: true}) {
		t.Errorf("specs[0] = %+v", specs[0])
	}
	if specs[1] != (mountSpec{tag: "shuru-mount-1", target: "/mnt/b", readOnly: false}) {
		t.Errorf("specs[1] = %+v", specs[1])
	}
}

func TestParseCmdlineMountsRejectsMalformedEntry(t *testing.T) {
	if _, err := parseCmdlineMounts("shuru.mounts=bad-entry"); err == nil {
		t.Fatal("expected an error for a malformed mount entry")
	}
}
