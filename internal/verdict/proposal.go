package verdict

import (
	"encoding/json"
	"time"

	"github.com/concord-ai/concord/internal/types"
)

// Proposal is an immutable snapshot of the thing under negotiation for one
// round. Each revision supersedes the previous one; the engine owns the
// current revision and hands evaluators a copy.
type Proposal struct {
	// ID identifies the negotiation subject; stable across revisions.
	ID types.ID `json:"id" yaml:"id"`

	// Revision is the zero-based revision number, incremented per round.
	Revision int `json:"revision" yaml:"revision"`

	// Summary is a short opaque description of the proposal.
	Summary string `json:"summary" yaml:"summary"`

	// Content holds the structured proposal body. Treated as opaque by the
	// engine; evaluators interpret it.
	Content map[string]any `json:"content" yaml:"content"`

	// CreatedAt is when this revision was produced.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// NewProposal creates revision 0 of a proposal.
func NewProposal(summary string, content map[string]any) Proposal {
	return Proposal{
		ID:        types.NewID(),
		Revision:  0,
		Summary:   summary,
		Content:   cloneContent(content),
		CreatedAt: time.Now(),
	}
}

// Revise returns a new Proposal superseding this one. Entries in delta
// overwrite matching keys; the receiver is not modified.
func (p Proposal) Revise(delta map[string]any) Proposal {
	next := Proposal{
		ID:        p.ID,
		Revision:  p.Revision + 1,
		Summary:   p.Summary,
		Content:   cloneContent(p.Content),
		CreatedAt: time.Now(),
	}
	for k, v := range delta {
		next.Content[k] = v
	}
	return next
}

// cloneContent deep-copies via a JSON round-trip so nested containers are not
// shared between revisions. Content that cannot round-trip is copied shallowly.
func cloneContent(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	if len(in) == 0 {
		return out
	}

	data, err := json.Marshal(in)
	if err == nil && json.Unmarshal(data, &out) == nil {
		return out
	}

	for k, v := range in {
		out[k] = v
	}
	return out
}
