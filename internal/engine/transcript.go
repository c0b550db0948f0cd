package engine

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/concord-ai/concord/internal/verdict"
)

// transcriptDoc is the YAML shape of an exported negotiation outcome. The
// escalation positions are flattened so the document stays readable for the
// humans an escalated run is handed to.
type transcriptDoc struct {
	Status        Status               `yaml:"status"`
	Reason        string               `yaml:"reason,omitempty"`
	Rounds        int                  `yaml:"rounds"`
	StageVisits   int                  `yaml:"stage_visits"`
	CallsAdmitted int64                `yaml:"calls_admitted"`
	CallsDenied   int64                `yaml:"calls_denied"`
	Duration      string               `yaml:"duration"`
	Verdicts      []verdict.Verdict    `yaml:"verdicts,omitempty"`
	RoundHistory  []transcriptRound    `yaml:"round_history,omitempty"`
	Escalations   []transcriptConflict `yaml:"escalations,omitempty"`
	Facts         map[string]string    `yaml:"facts,omitempty"`
	Events        []transcriptEvent    `yaml:"events"`
}

type transcriptRound struct {
	Round    int               `yaml:"round"`
	Verdicts []verdict.Verdict `yaml:"verdicts"`
}

type transcriptConflict struct {
	Pair      []string        `yaml:"pair"`
	Code      string          `yaml:"code"`
	Reason    string          `yaml:"reason"`
	Rounds    int             `yaml:"rounds"`
	PositionA verdict.Verdict `yaml:"position_a"`
	PositionB verdict.Verdict `yaml:"position_b"`
}

type transcriptEvent struct {
	Stage string `yaml:"stage"`
	Round int    `yaml:"round"`
	Note  string `yaml:"note,omitempty"`
	Err   string `yaml:"error,omitempty"`
	At    string `yaml:"at"`
}

// WriteTranscript encodes the result as a YAML audit document.
func (r NegotiationResult) WriteTranscript(w io.Writer) error {
	doc := transcriptDoc{
		Status:        r.Status,
		Reason:        r.Reason,
		Rounds:        r.Metrics.Rounds,
		StageVisits:   r.Metrics.StageVisits,
		CallsAdmitted: r.Metrics.CallsAdmitted,
		CallsDenied:   r.Metrics.CallsDenied,
		Duration:      r.Metrics.Duration.String(),
		Verdicts:      r.Verdicts,
		Facts:         r.Facts,
	}

	for i, set := range r.VerdictHistory {
		round := i + 1
		if len(set) > 0 {
			round = set[0].Round
		}
		doc.RoundHistory = append(doc.RoundHistory, transcriptRound{Round: round, Verdicts: set})
	}
	for _, esc := range r.Escalations {
		doc.Escalations = append(doc.Escalations, transcriptConflict{
			Pair:      []string{esc.Pair[0], esc.Pair[1]},
			Code:      string(esc.Code),
			Reason:    esc.Reason,
			Rounds:    esc.Rounds,
			PositionA: esc.PositionA,
			PositionB: esc.PositionB,
		})
	}
	for _, ev := range r.Transcript {
		doc.Events = append(doc.Events, transcriptEvent{
			Stage: string(ev.Stage),
			Round: ev.Round,
			Note:  ev.Note,
			Err:   ev.Err,
			At:    ev.At.UTC().Format("2006-01-02T15:04:05.000Z"),
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
