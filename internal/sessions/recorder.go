package sessions

import (
	"context"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/events"
)

// UsageObserver folds every usage event of a stream into c.
func UsageObserver(c *Conversation) agent.Observer {
	return agent.ObserverFunc(func(_ context.Context, ev events.Event) {
		if ev.Type() == events.TypeUsage {
			c.ApplyUsage(ev)
		}
	})
}

// Commit records the outcome of one request. A completed stream appends the
// user prompt and the assistant answer. A failed or interrupted stream
// commits nothing, so the next request replays the same history; the native
// session id and usage captured along the way are kept either way.
func Commit(c *Conversation, prompt string, out agent.Outcome) bool {
	if out.Interrupted || out.Terminal.Type() != events.TypeDone {
		return false
	}
	c.AppendTurn(agent.RoleUser, prompt)
	c.AppendTurn(agent.RoleAssistant, out.Text)
	return true
}
