package speech

// TurnState enumerates who currently holds the speaking turn. It replaces
// scattered bot-speaking / user-speaking / listening-enabled booleans with a
// single value owned by the Manager.
type TurnState int

const (
	// TurnIdle: nobody holds the turn and microphone audio is not forwarded.
	TurnIdle TurnState = iota
	// TurnListening: microphone audio is forwarded to recognition.
	TurnListening
	// TurnUserSpeaking: a user utterance is in flight (forwarding stays on).
	TurnUserSpeaking
	// TurnBotSpeaking: synthesized audio is playing; forwarding is off.
	TurnBotSpeaking
)

func (s TurnState) String() string {
	switch s {
	case TurnListening:
		return "listening"
	case TurnUserSpeaking:
		return "user-speaking"
	case TurnBotSpeaking:
		return "bot-speaking"
	default:
		return "idle"
	}
}

// TurnEvent is an input to the turn state machine.
type TurnEvent int

const (
	EventStartListening TurnEvent = iota
	EventUserSpeechStarted
	EventUserSpeechEnded
	EventBotSpeakRequested
	EventBotUtteranceDone
	EventStopped
)

// NextTurn is the pure transition function of the turn machine. Bot-speaking
// and listening are mutually exclusive in every reachable state.
func NextTurn(s TurnState, ev TurnEvent) TurnState {
	switch ev {
	case EventStartListening:
		return TurnListening
	case EventUserSpeechStarted:
		// Fires during listening, or during bot speech on barge-in.
		return TurnUserSpeaking
	case EventUserSpeechEnded:
		// A finalized utterance hands the turn over; forwarding stops until
		// the bot replies (or the watchdog re-opens listening).
		return TurnIdle
	case EventBotSpeakRequested:
		return TurnBotSpeaking
	case EventBotUtteranceDone:
		if s == TurnBotSpeaking {
			return TurnIdle
		}
		return s
	case EventStopped:
		return TurnIdle
	}
	return s
}

// Forwarding reports whether microphone audio is sent upstream in this state.
func (s TurnState) Forwarding() bool {
	return s == TurnListening || s == TurnUserSpeaking
}

// BotSpeaking reports whether synthesized audio holds the turn.
func (s TurnState) BotSpeaking() bool { return s == TurnBotSpeaking }
