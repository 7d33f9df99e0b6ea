package pool

// Kind classifies a message produced by the extractor (spec §3).
type Kind uint8

const (
	// KindDBPacket is a variable-length binary record framed by a 0xDB
	// header byte.
	KindDBPacket Kind = iota
	// KindDebuggerFrame is the fixed 416-byte debugger snapshot.
	KindDebuggerFrame
	// KindSystemInit is the golden reboot marker line.
	KindSystemInit
	// KindCogMessage is an ASCII line beginning with "CogN ".
	KindCogMessage
	// KindWindowCommand is a backtick-prefixed control string.
	KindWindowCommand
	// KindTerminalOutput is the default sink for unmatched bytes.
	KindTerminalOutput
)

// NoCog is the CogIndex value for messages with no associated core.
const NoCog = -1

func (k Kind) String() string {
	switch k {
	case KindDBPacket:
		return "DB_PACKET"
	case KindDebuggerFrame:
		return "DEBUGGER_FRAME"
	case KindSystemInit:
		return "SYSTEM_INIT"
	case KindCogMessage:
		return "COG_MESSAGE"
	case KindWindowCommand:
		return "WINDOW_COMMAND"
	case KindTerminalOutput:
		return "TERMINAL_OUTPUT"
	default:
		return "UNKNOWN"
	}
}
