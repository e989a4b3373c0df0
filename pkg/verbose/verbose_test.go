package verbose

import "testing"

func TestCategories(t *testing.T) {
	defer SetEnabled("all", false)

	if IsEnabled(CAT) {
		t.Fatal("Expected cat tracing off by default")
	}

	SetEnabled(CAT, true)
	if !IsEnabled(CAT) || IsEnabled(Audio) {
		t.Error("Expected only cat tracing enabled")
	}

	SetEnabled("all", true)
	for _, c := range []string{Network, CAT, Audio, Spectrum} {
		if !IsEnabled(c) {
			t.Errorf("Expected %s enabled", c)
		}
	}
}

func TestConfigureFromEnv(t *testing.T) {
	defer SetEnabled("all", false)
	t.Setenv(EnvVar, "network, Spectrum")

	Configure([]string{"audio"})
	if !IsEnabled(Network) || !IsEnabled(Spectrum) || !IsEnabled(Audio) {
		t.Error("Expected network, spectrum and audio tracing enabled")
	}
	if IsEnabled(CAT) {
		t.Error("Expected cat tracing off")
	}
}
