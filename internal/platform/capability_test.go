package platform

import (
	"runtime"
	"testing"
)

func TestDetect_NeverFails(t *testing.T) {
	cap := Detect()
	if cap.Name == "" {
		t.Error("Detect() returned an empty Name; must always degrade to a generic name, never empty")
	}
	if cap.Arch != runtime.GOARCH {
		t.Errorf("Arch = %q, want %q", cap.Arch, runtime.GOARCH)
	}
	if cap.MaxBaud <= 0 {
		t.Errorf("MaxBaud = %d, want > 0", cap.MaxBaud)
	}
}

func TestGeneric_HasNoOptionalFeatures(t *testing.T) {
	cap := generic()
	if cap.HalfDuplexPinControl {
		t.Error("generic() must not claim half-duplex pin control")
	}
	if cap.GPIOChip != "" {
		t.Error("generic() must not claim a GPIO chip")
	}
	if len(cap.Features) != 0 {
		t.Errorf("generic() Features = %v, want empty", cap.Features)
	}
}

func TestCapability_Has(t *testing.T) {
	cap := Capability{Features: []string{"gpio", "high-speed-serial"}}
	if !cap.Has("gpio") {
		t.Error("Has(\"gpio\") = false, want true")
	}
	if cap.Has("bluetooth") {
		t.Error("Has(\"bluetooth\") = true, want false")
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"BeagleBone Black":  "beaglebone-black",
		"Raspberry Pi 4 Model B": "raspberry-pi-4-model-b",
		"  leading/trailing  ":  "leading-trailing",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
