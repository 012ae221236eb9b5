package voting

// Preset names a configuration of per-head weights/thresholds and the
// decision rule that governs aggregation.
type Preset string

const (
	// PresetBalanced uses standard thresholds and decides by weighted majority.
	PresetBalanced Preset = "balanced"
	// PresetHighSecurity lowers thresholds and classifies threat on a single
	// threat vote from any head. Maximizes recall.
	PresetHighSecurity Preset = "high_security"
	// PresetLowFP raises thresholds and requires at least three of five heads
	// voting threat. Minimizes false positives.
	PresetLowFP Preset = "low_fp"
)

// HeadParams fixes one head's weight and vote thresholds under a preset.
// Probability >= Threshold votes threat; probability < AbstainFloor votes
// safe; anything between abstains.
type HeadParams struct {
	Weight       float64
	Threshold    float64
	AbstainFloor float64
}

// minThreatVotesLowFP is the vote floor for the low_fp preset: fewer threat
// votes than this forces a safe decision.
const minThreatVotesLowFP = 3

// severityVetoBar is the confidence the severity head needs to veto the
// weighted sum when it is the lone threat voter.
const severityVetoBar = 0.90

var presetParams = map[Preset]map[Head]HeadParams{
	PresetBalanced: {
		HeadBinary:    {Weight: 1.0, Threshold: 0.50, AbstainFloor: 0.35},
		HeadFamily:    {Weight: 1.2, Threshold: 0.50, AbstainFloor: 0.35},
		HeadSeverity:  {Weight: 1.5, Threshold: 0.50, AbstainFloor: 0.35},
		HeadTechnique: {Weight: 1.0, Threshold: 0.50, AbstainFloor: 0.35},
		HeadHarm:      {Weight: 0.8, Threshold: 0.50, AbstainFloor: 0.35},
	},
	PresetHighSecurity: {
		HeadBinary:    {Weight: 1.0, Threshold: 0.35, AbstainFloor: 0.20},
		HeadFamily:    {Weight: 1.2, Threshold: 0.35, AbstainFloor: 0.20},
		HeadSeverity:  {Weight: 1.5, Threshold: 0.35, AbstainFloor: 0.20},
		HeadTechnique: {Weight: 1.0, Threshold: 0.35, AbstainFloor: 0.20},
		HeadHarm:      {Weight: 0.8, Threshold: 0.35, AbstainFloor: 0.20},
	},
	PresetLowFP: {
		HeadBinary:    {Weight: 1.0, Threshold: 0.70, AbstainFloor: 0.50},
		HeadFamily:    {Weight: 1.2, Threshold: 0.70, AbstainFloor: 0.50},
		HeadSeverity:  {Weight: 1.5, Threshold: 0.70, AbstainFloor: 0.50},
		HeadTechnique: {Weight: 1.0, Threshold: 0.70, AbstainFloor: 0.50},
		HeadHarm:      {Weight: 0.8, Threshold: 0.70, AbstainFloor: 0.50},
	},
}
