package daemon

import "strings"

// CommandKind enumerates the dispatcher's recognized commands. Inbound
// text is parsed into a tagged Command and matched exhaustively, so
// adding a command is a compile-time visible change.
type CommandKind int

const (
	// CmdAsk is any text that is not a recognized command; it becomes
	// a natural-language turn against the engine.
	CmdAsk CommandKind = iota

	// Session lifecycle
	CmdNew
	CmdResume
	CmdContinue
	CmdLast
	CmdCd
	CmdName
	CmdSession

	// Daemon introspection
	CmdStatus
	CmdTasks
	CmdRun
	CmdBudget
	CmdReload

	// Notification controls
	CmdQuiet
	CmdUnquiet

	// Directory browser sub-flow
	CmdBrowse

	// CmdHelp covers /help and any unrecognized slash command
	CmdHelp
)

// Command is one parsed inbound payload
type Command struct {
	Kind CommandKind
	Args []string
	Raw  string
}

// Arg returns the i-th argument or an empty string
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// ParseCommand turns inbound text or a callback payload into a
// Command. Unknown slash input maps to help rather than an error;
// anything without a slash prefix is a conversational turn.
func ParseCommand(text string) Command {
	raw := strings.TrimSpace(text)
	if !strings.HasPrefix(raw, "/") {
		return Command{Kind: CmdAsk, Raw: raw}
	}

	fields := strings.Fields(raw)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Telegram appends @botname to commands in group chats
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	args := fields[1:]

	kind := CmdHelp
	switch name {
	case "new":
		kind = CmdNew
	case "resume":
		kind = CmdResume
	case "continue":
		kind = CmdContinue
	case "last":
		kind = CmdLast
	case "cd":
		kind = CmdCd
	case "name":
		kind = CmdName
	case "session":
		kind = CmdSession
	case "status":
		kind = CmdStatus
	case "tasks":
		kind = CmdTasks
	case "run":
		kind = CmdRun
	case "budget":
		kind = CmdBudget
	case "reload":
		kind = CmdReload
	case "quiet", "mute":
		kind = CmdQuiet
	case "unquiet", "unmute":
		kind = CmdUnquiet
	case "browse":
		kind = CmdBrowse
	case "help", "start":
		kind = CmdHelp
	}

	return Command{Kind: kind, Args: args, Raw: raw}
}
