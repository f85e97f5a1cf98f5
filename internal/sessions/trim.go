package sessions

import (
	"sort"

	"github.com/first-fluke/cratos/pkg/models"
)

// Trim applies the configured trimming policy to session in place and
// updates its CurrentTokens. It is called after every append.
func Trim(session *models.SessionContext) {
	if session.TokenAwareTrimming {
		trimByTokenBudget(session)
		return
	}
	trimByMessageCount(session)
}

// trimByTokenBudget implements the token-aware greedy-keep algorithm:
// system messages are kept unconditionally, then the remaining messages are
// kept in order of descending importance (ties broken by ascending original
// index) until the token budget still available after the system messages
// is exhausted.
func trimByTokenBudget(session *models.SessionContext) {
	total := 0
	for _, msg := range session.Messages {
		total += CountTokens(msg)
	}
	if session.MaxTokens <= 0 || total <= session.MaxTokens {
		session.CurrentTokens = total
		return
	}

	type indexed struct {
		msg        models.Message
		tokens     int
		importance models.MessageImportance
		index      int
	}

	var system []indexed
	var other []indexed
	systemTokens := 0
	for i, msg := range session.Messages {
		tokens := CountTokens(msg)
		entry := indexed{msg: msg, tokens: tokens, importance: models.ImportanceOf(msg.Role), index: i}
		if msg.Role == models.RoleSystem {
			system = append(system, entry)
			systemTokens += tokens
			continue
		}
		other = append(other, entry)
	}

	available := session.MaxTokens - systemTokens
	sort.SliceStable(other, func(i, j int) bool {
		if other[i].importance != other[j].importance {
			return other[i].importance > other[j].importance
		}
		return other[i].index < other[j].index
	})

	kept := make(map[int]bool, len(other))
	used := 0
	for _, entry := range other {
		if available <= 0 {
			break
		}
		if used+entry.tokens > available {
			continue
		}
		used += entry.tokens
		kept[entry.index] = true
	}

	result := make([]models.Message, 0, len(system)+len(kept))
	newTotal := systemTokens
	for i, msg := range session.Messages {
		if msg.Role == models.RoleSystem || kept[i] {
			result = append(result, msg)
			if msg.Role != models.RoleSystem {
				newTotal += CountTokens(msg)
			}
		}
	}
	session.Messages = result
	session.CurrentTokens = newTotal
}

// trimByMessageCount implements the legacy count-based policy: drop the
// oldest non-system messages until the session has at most MaxContextSize
// messages.
func trimByMessageCount(session *models.SessionContext) {
	limit := session.MaxContextSize
	if limit <= 0 || len(session.Messages) <= limit {
		recomputeTokens(session)
		return
	}

	excess := len(session.Messages) - limit
	result := make([]models.Message, 0, limit)
	dropped := 0
	for _, msg := range session.Messages {
		if dropped < excess && msg.Role != models.RoleSystem {
			dropped++
			continue
		}
		result = append(result, msg)
	}
	session.Messages = result
	recomputeTokens(session)
}

func recomputeTokens(session *models.SessionContext) {
	total := 0
	for _, msg := range session.Messages {
		total += CountTokens(msg)
	}
	session.CurrentTokens = total
}
