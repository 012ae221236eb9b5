// Package voting implements the L2 hierarchical weighted-voting scorer. Five
// independent classifier heads each contribute one vote; a preset fixes each
// head's weight and thresholds; a short decision-rule chain turns the votes
// into a single threat/safe decision with a full audit trail.
//
// The scorer never runs inference itself: per-head probabilities arrive from
// an external provider and are treated as opaque inputs.
package voting

import (
	"fmt"
)

// Head identifies one of the five classifier heads.
type Head string

const (
	HeadBinary    Head = "binary"
	HeadFamily    Head = "family"
	HeadSeverity  Head = "severity"
	HeadTechnique Head = "technique"
	HeadHarm      Head = "harm"
)

// Heads returns all five heads in canonical order.
func Heads() []Head {
	return []Head{HeadBinary, HeadFamily, HeadSeverity, HeadTechnique, HeadHarm}
}

// VoteKind is a head's opinion: threat, safe, or abstain.
type VoteKind string

const (
	VoteThreat  VoteKind = "threat"
	VoteSafe    VoteKind = "safe"
	VoteAbstain VoteKind = "abstain"
)

// DecisionRule names the rule that determined an L2 decision.
type DecisionRule string

const (
	RuleWeightedMajority        DecisionRule = "weighted_majority"
	RuleSeverityVeto            DecisionRule = "severity_veto"
	RuleSingleThreatVote        DecisionRule = "single_threat_vote"
	RuleInsufficientThreatVotes DecisionRule = "insufficient_threat_votes"
)

// HeadInput is one head's raw output from the inference layer.
type HeadInput struct {
	Probability float64
	Label       string
}

// Vote is one head's thresholded opinion, recorded in full for auditability.
type Vote struct {
	Head           Head     `json:"head"`
	Vote           VoteKind `json:"vote"`
	Confidence     float64  `json:"confidence"`
	Weight         float64  `json:"weight"`
	RawProbability float64  `json:"raw_probability"`
	ThresholdUsed  float64  `json:"threshold_used"`
	Prediction     string   `json:"prediction,omitempty"`
	Rationale      string   `json:"rationale"`
}

// Prediction is one threat-voting head's label, surfaced when the overall
// decision is threat.
type Prediction struct {
	Head        Head    `json:"head"`
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// ThreatScore is the aggregated L2 result. The transparency record — per-head
// votes and the rule that fired — is always present, including for safe
// classifications with no predictions.
type ThreatScore struct {
	Decision              VoteKind           `json:"decision"`
	Confidence            float64            `json:"confidence"`
	PresetUsed            Preset             `json:"preset_used"`
	DecisionRuleTriggered DecisionRule       `json:"decision_rule_triggered"`
	ThreatVoteCount       int                `json:"threat_vote_count"`
	SafeVoteCount         int                `json:"safe_vote_count"`
	AbstainVoteCount      int                `json:"abstain_vote_count"`
	WeightedThreatScore   float64            `json:"weighted_threat_score"`
	WeightedSafeScore     float64            `json:"weighted_safe_score"`
	Votes                 map[Head]Vote      `json:"per_head_votes"`
	AggregatedScores      map[string]float64 `json:"aggregated_scores"`
	Predictions           []Prediction       `json:"predictions"`
}

// Scorer aggregates head votes under a fixed preset. Immutable and safe for
// concurrent use.
type Scorer struct {
	preset Preset
	params map[Head]HeadParams
}

// NewScorer creates a scorer for the named preset.
func NewScorer(preset Preset) (*Scorer, error) {
	params, ok := presetParams[preset]
	if !ok {
		return nil, fmt.Errorf("unknown voting preset %q", preset)
	}
	return &Scorer{preset: preset, params: params}, nil
}

// Preset returns the scorer's preset name.
func (s *Scorer) Preset() Preset { return s.preset }

// DeriveVote thresholds one head's raw probability into a vote. Probability
// at or above the threshold votes threat with the probability as confidence;
// below the abstain floor votes safe with the complement as confidence;
// in between abstains.
func (s *Scorer) DeriveVote(head Head, in HeadInput) Vote {
	p := s.params[head]
	v := Vote{
		Head:           head,
		Weight:         p.Weight,
		RawProbability: in.Probability,
		ThresholdUsed:  p.Threshold,
		Prediction:     in.Label,
	}
	switch {
	case in.Probability >= p.Threshold:
		v.Vote = VoteThreat
		v.Confidence = in.Probability
		v.Rationale = fmt.Sprintf("probability %.3f >= threshold %.3f", in.Probability, p.Threshold)
	case in.Probability < p.AbstainFloor:
		v.Vote = VoteSafe
		v.Confidence = 1 - in.Probability
		v.Rationale = fmt.Sprintf("probability %.3f < abstain floor %.3f", in.Probability, p.AbstainFloor)
	default:
		v.Vote = VoteAbstain
		v.Confidence = 0
		v.Rationale = fmt.Sprintf("probability %.3f in abstain band [%.3f, %.3f)",
			in.Probability, p.AbstainFloor, p.Threshold)
	}
	return v
}

// Score derives a vote per head from raw inputs and aggregates them. Heads
// missing from inputs abstain.
func (s *Scorer) Score(inputs map[Head]HeadInput) ThreatScore {
	votes := make(map[Head]Vote, len(Heads()))
	for _, head := range Heads() {
		in, ok := inputs[head]
		if !ok {
			votes[head] = Vote{
				Head:      head,
				Vote:      VoteAbstain,
				Weight:    s.params[head].Weight,
				Rationale: "no input from inference layer",
			}
			continue
		}
		votes[head] = s.DeriveVote(head, in)
	}
	return s.ScoreVotes(votes)
}

// ScoreVotes aggregates already-derived votes. Decision rules are evaluated
// in order, first applicable wins: the preset-specific override
// (single_threat_vote for high_security, the insufficient-threat-votes check
// for low_fp), then severity_veto, then weighted_majority with ties
// resolving to safe.
func (s *Scorer) ScoreVotes(votes map[Head]Vote) ThreatScore {
	score := ThreatScore{
		PresetUsed: s.preset,
		Votes:      votes,
	}

	for _, v := range votes {
		switch v.Vote {
		case VoteThreat:
			score.ThreatVoteCount++
			score.WeightedThreatScore += v.Weight * v.Confidence
		case VoteSafe:
			score.SafeVoteCount++
			score.WeightedSafeScore += v.Weight * v.Confidence
		default:
			score.AbstainVoteCount++
		}
	}

	score.Decision, score.DecisionRuleTriggered, score.Confidence = s.decide(votes, &score)

	ratio := 0.0
	if score.WeightedThreatScore > 0 {
		ratio = score.WeightedSafeScore / score.WeightedThreatScore
	}
	score.AggregatedScores = map[string]float64{
		"safe":   score.WeightedSafeScore,
		"threat": score.WeightedThreatScore,
		"ratio":  ratio,
	}

	score.Predictions = []Prediction{}
	if score.Decision == VoteThreat {
		for _, head := range Heads() {
			v := votes[head]
			if v.Vote == VoteThreat {
				score.Predictions = append(score.Predictions, Prediction{
					Head:        head,
					Label:       v.Prediction,
					Probability: v.RawProbability,
				})
			}
		}
	}

	return score
}

func (s *Scorer) decide(votes map[Head]Vote, score *ThreatScore) (VoteKind, DecisionRule, float64) {
	// Preset-specific overrides come first.
	switch s.preset {
	case PresetHighSecurity:
		if score.ThreatVoteCount >= 1 {
			return VoteThreat, RuleSingleThreatVote, maxThreatConfidence(votes)
		}
	case PresetLowFP:
		// Fewer threat votes than the floor forces safe even when the
		// weighted sum would say threat.
		if score.ThreatVoteCount >= 1 && score.ThreatVoteCount < minThreatVotesLowFP {
			return VoteSafe, RuleInsufficientThreatVotes, safeConfidence(score)
		}
	}

	// Severity head alone voting threat at high confidence overrides the
	// weighted sum from the remaining heads.
	if sev, ok := votes[HeadSeverity]; ok &&
		sev.Vote == VoteThreat && sev.Confidence >= severityVetoBar &&
		score.ThreatVoteCount == 1 {
		return VoteThreat, RuleSeverityVeto, sev.Confidence
	}

	// Default: weighted majority, ties resolve to safe.
	if score.WeightedThreatScore > score.WeightedSafeScore {
		return VoteThreat, RuleWeightedMajority, threatConfidence(score)
	}
	return VoteSafe, RuleWeightedMajority, safeConfidence(score)
}

func maxThreatConfidence(votes map[Head]Vote) float64 {
	best := 0.0
	for _, v := range votes {
		if v.Vote == VoteThreat && v.Confidence > best {
			best = v.Confidence
		}
	}
	return best
}

func threatConfidence(score *ThreatScore) float64 {
	total := score.WeightedThreatScore + score.WeightedSafeScore
	if total == 0 {
		return 0.5
	}
	return score.WeightedThreatScore / total
}

func safeConfidence(score *ThreatScore) float64 {
	total := score.WeightedThreatScore + score.WeightedSafeScore
	if total == 0 {
		return 0.5
	}
	return score.WeightedSafeScore / total
}

// SortedVotes returns the per-head votes in canonical head order, for
// deterministic serialization and display.
func (t ThreatScore) SortedVotes() []Vote {
	out := make([]Vote, 0, len(t.Votes))
	for _, head := range Heads() {
		if v, ok := t.Votes[head]; ok {
			out = append(out, v)
		}
	}
	return out
}
