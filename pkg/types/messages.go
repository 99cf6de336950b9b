package types

// Client -> Server (JSON over /ws?participant_id=...)
//
// JoinMatchmaking: {}
//
// CancelMatchmaking: {}
//
// SubmitRoster:
//   session_id: string (optional; defaults to the current session)
//   roster: [{name, element, attack, max_hp}]
//
// SubmitAction:
//   session_id: string (optional)
//   action:
//     type: "attack" | "switch" | "forced_switch" | "surrender"
//     attacker: number  (attack: index into own roster)
//     target: number    (attack: index into opposing roster)
//     switch_to: number (switch/forced_switch: index into own roster)
//
// SendInvite:
//   to: string (receiver participant id)
//
// RespondInvite:
//   invite_id: string
//   accept: boolean
//
// Spectate:
//   session_id: string
//
// RegisterObserver / UnregisterObserver:
//   to: participant id whose battle starts and ends the caller wants to hear
//       about

// Server -> Client
//
// OpponentFound:
//   session_id: string
//   slot: "slot1" | "slot2"
//   opponent: string
//
// BattleReady: both rosters are in, turn belongs to slot1.
//
// StateUpdate:
//   snapshot: versioned full state (phase, turn, sides, winner, reason)
//   events: the transitions that produced this version
//
// BattleEnded:
//   end: { session_id, winner, reason, you: "won"|"lost"|"draw", silent }
//   "silent" asks the client to suppress the win/lose screen (team-select
//   timeouts); spectators receive the message without "you".
//
// InviteSent / InviteReceived / InviteDeclined:
//   invite: { id, from, to, status, expires_at }
//
// ObserverNotice:
//   about: participant id the notice concerns
//   end: present when the notice is about a finished battle
//
// MatchmakingFailed:
//   code: "INFRASTRUCTURE" (pairing collaborator unavailable, entry kept
//         queued) or "ALREADY_IN_SESSION" (entry dropped from the queue)
//
// ActionError:
//   code: stable machine-readable reason, e.g. "NOT_PARTICIPANT",
//         "ALREADY_ENDED", "WRONG_TURN", "INVALID_TARGET", "VALIDATION",
//         "DUPLICATE_INVITE", "UNAUTHORIZED", "EXPIRED_OR_INVALID",
//         "ALREADY_IN_SESSION", "INFRASTRUCTURE"
//   error: human-readable text, never to be machine-matched
