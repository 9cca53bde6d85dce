package scripts

import (
	"strings"
	"testing"
)

func TestKernelBridgeEmbedded(t *testing.T) {
	if len(KernelBridgePy) == 0 {
		t.Fatalf("KernelBridgePy is empty - script was not embedded")
	}

	script := string(KernelBridgePy)
	if !strings.HasPrefix(script, "#!/usr/bin/env python3") {
		t.Errorf("script should start with python shebang, got: %s", strings.Split(script, "\n")[0])
	}

	for _, want := range []string{
		`"kernel_info_reply"`,
		`"execute_request"`,
		`"shutdown_request"`,
		`"execution_state"`,
		`"execute_result"`,
		`"display_data"`,
		`"traceback"`,
	} {
		if !strings.Contains(script, want) {
			t.Errorf("bridge script missing %s", want)
		}
	}
}
