// Package scripts contains embedded helper programs launched by codeagent.
package scripts

import _ "embed"

// KernelBridgePy is the interpreter bridge speaking line-delimited JSON kernel messages.
//
//go:embed kernel_bridge.py
var KernelBridgePy []byte
