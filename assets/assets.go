package assets

import (
	_ "embed"
	"strings"
)

//go:embed system_instruction.txt
var systemInstruction string

// SystemInstruction is the default system prompt of the agent.
var SystemInstruction = strings.TrimSpace(systemInstruction)
