// Package validator implements the training validator: it inspects
// an agent's PolicyUpdateResult and surrounding metrics after every
// learning step and raises bounded-severity issues, grounded on
// internal/statistics.Statistics.Validate()'s style of independent,
// composable sanity checks over a running numeric ledger.
package validator

import (
	"math"
	"time"

	"github.com/lox/chesstrain/internal/agent"
)

// Severity classifies how urgently an issue should be addressed.
type Severity int

const (
	Low Severity = iota
	Medium
	High
)

func (s Severity) String() string {
	switch s {
	case High:
		return "HIGH"
	case Medium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// IssueType names the specific check that raised an issue.
type IssueType string

const (
	NumericalInstability  IssueType = "NumericalInstability"
	ExplodingGradients    IssueType = "ExplodingGradients"
	VanishingGradients    IssueType = "VanishingGradients"
	PolicyCollapse        IssueType = "PolicyCollapse"
	InsufficientExplore   IssueType = "InsufficientExploration"
	ValueOverestimation   IssueType = "ValueOverestimation"
	LossExplosion         IssueType = "LossExplosion"
	TransientTrainingError IssueType = "TransientTrainingError"
)

// Issue is one raised check, with the threshold that triggered it.
type Issue struct {
	Type      IssueType
	Severity  Severity
	Message   string
	Value     float64
	Threshold float64
}

// Record is one call's full validation outcome.
type Record struct {
	Episode        int
	IsValid        bool
	Issues         []Issue
	Warnings       []string
	Recommendations []string
	BeforeMetrics  agent.Metrics
	AfterMetrics   agent.Metrics
	UpdateResult   agent.PolicyUpdateResult
	Timestamp      time.Time
}

// Thresholds configures every check's trigger point. New uses
// DefaultThresholds unless WithThresholds is given, which applies its
// values as they are, zero fields included.
type Thresholds struct {
	ExplodeGradientThr   float64
	VanishGradientThr    float64
	PolicyCollapseThr    float64
	ExplorationThr       float64
	ValueOverestimateThr float64
	LossExplosionThr     float64
}

// DefaultThresholds returns the documented default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ExplodeGradientThr:   10,
		VanishGradientThr:    1e-6,
		PolicyCollapseThr:    0.1,
		ExplorationThr:       0.01,
		ValueOverestimateThr: 100,
		LossExplosionThr:     5,
	}
}

var recommendationTable = map[IssueType][]string{
	NumericalInstability: {"check input normalization", "reduce learning rate", "inspect for division by zero in reward shaping"},
	ExplodingGradients:   {"apply gradient clipping", "reduce learning rate", "check reward scale"},
	VanishingGradients:   {"increase learning rate", "check for dead activations", "verify gradients are flowing through all layers"},
	PolicyCollapse:       {"increase exploration rate", "add entropy regularization", "verify reward signal is not degenerate"},
	InsufficientExplore:  {"raise exploration_rate", "extend exploration decay schedule"},
	ValueOverestimation:  {"apply double Q-learning", "reduce overestimation via target clipping"},
	LossExplosion:        {"reduce learning rate", "apply gradient clipping", "inspect recent batch for outlier rewards"},
}

// Validator runs the bounded set of numerical/behavioural checks against
// each learning step and keeps a bounded history of the results.
type Validator struct {
	thresholds  Thresholds
	maxHistory  int
	history     []Record
	lastLoss    float64
	haveLastLoss bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithThresholds overrides the default check thresholds.
func WithThresholds(t Thresholds) Option {
	return func(v *Validator) { v.thresholds = t }
}

// WithMaxHistory bounds the number of retained Records; oldest are
// dropped FIFO.
func WithMaxHistory(n int) Option {
	return func(v *Validator) { v.maxHistory = n }
}

// New constructs a Validator with DefaultThresholds unless overridden.
func New(opts ...Option) *Validator {
	v := &Validator{thresholds: DefaultThresholds(), maxHistory: 1000}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs every check against one learning step's inputs.
func (v *Validator) Validate(episode int, before, after agent.Metrics, update agent.PolicyUpdateResult) Record {
	var issues []Issue

	if issue, ok := v.checkNumericalStability(update); ok {
		issues = append(issues, issue)
	}
	if issue, ok := v.checkExplodingGradient(update); ok {
		issues = append(issues, issue)
	}
	if issue, ok := v.checkVanishingGradient(update); ok {
		issues = append(issues, issue)
	}
	if issue, ok := v.checkPolicyCollapse(update); ok {
		issues = append(issues, issue)
	}
	if issue, ok := v.checkInsufficientExploration(after); ok {
		issues = append(issues, issue)
	}
	if issue, ok := v.checkValueOverestimation(update); ok {
		issues = append(issues, issue)
	}
	if issue, ok := v.checkLossExplosion(update); ok {
		issues = append(issues, issue)
	}

	v.lastLoss = update.Loss
	v.haveLastLoss = true

	rec := Record{
		Episode:         episode,
		IsValid:         !hasHighSeverity(issues),
		Issues:          issues,
		Recommendations: recommendationsFor(issues),
		BeforeMetrics:   before,
		AfterMetrics:    after,
		UpdateResult:    update,
	}

	v.history = append(v.history, rec)
	if len(v.history) > v.maxHistory {
		v.history = v.history[len(v.history)-v.maxHistory:]
	}

	return rec
}

func hasHighSeverity(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == High {
			return true
		}
	}
	return false
}

func recommendationsFor(issues []Issue) []string {
	var out []string
	for _, i := range issues {
		out = append(out, recommendationTable[i.Type]...)
	}
	return out
}

func (v *Validator) checkNumericalStability(update agent.PolicyUpdateResult) (Issue, bool) {
	if math.IsNaN(update.Loss) || math.IsInf(update.Loss, 0) ||
		math.IsNaN(update.GradientNorm) || math.IsInf(update.GradientNorm, 0) {
		return Issue{
			Type:     NumericalInstability,
			Severity: High,
			Message:  "loss or gradient norm is NaN/Inf",
			Value:    update.Loss,
		}, true
	}
	return Issue{}, false
}

func (v *Validator) checkExplodingGradient(update agent.PolicyUpdateResult) (Issue, bool) {
	if update.GradientNorm > v.thresholds.ExplodeGradientThr {
		return Issue{
			Type:      ExplodingGradients,
			Severity:  High,
			Message:   "gradient norm exceeds explosion threshold",
			Value:     update.GradientNorm,
			Threshold: v.thresholds.ExplodeGradientThr,
		}, true
	}
	return Issue{}, false
}

func (v *Validator) checkVanishingGradient(update agent.PolicyUpdateResult) (Issue, bool) {
	if update.Updated && update.GradientNorm < v.thresholds.VanishGradientThr {
		return Issue{
			Type:      VanishingGradients,
			Severity:  Medium,
			Message:   "gradient norm below vanishing threshold",
			Value:     update.GradientNorm,
			Threshold: v.thresholds.VanishGradientThr,
		}, true
	}
	return Issue{}, false
}

func (v *Validator) checkPolicyCollapse(update agent.PolicyUpdateResult) (Issue, bool) {
	if update.Updated && update.PolicyEntropy < v.thresholds.PolicyCollapseThr {
		return Issue{
			Type:      PolicyCollapse,
			Severity:  High,
			Message:   "policy entropy below collapse threshold",
			Value:     update.PolicyEntropy,
			Threshold: v.thresholds.PolicyCollapseThr,
		}, true
	}
	return Issue{}, false
}

func (v *Validator) checkInsufficientExploration(after agent.Metrics) (Issue, bool) {
	if after.ExplorationRate < v.thresholds.ExplorationThr {
		return Issue{
			Type:      InsufficientExplore,
			Severity:  Medium,
			Message:   "exploration rate below configured floor",
			Value:     after.ExplorationRate,
			Threshold: v.thresholds.ExplorationThr,
		}, true
	}
	return Issue{}, false
}

func (v *Validator) checkValueOverestimation(update agent.PolicyUpdateResult) (Issue, bool) {
	if update.HasQStats && update.MeanQ > v.thresholds.ValueOverestimateThr {
		return Issue{
			Type:      ValueOverestimation,
			Severity:  Medium,
			Message:   "mean Q-value exceeds overestimation threshold",
			Value:     update.MeanQ,
			Threshold: v.thresholds.ValueOverestimateThr,
		}, true
	}
	return Issue{}, false
}

func (v *Validator) checkLossExplosion(update agent.PolicyUpdateResult) (Issue, bool) {
	if !v.haveLastLoss || !update.Updated {
		return Issue{}, false
	}
	delta := update.Loss - v.lastLoss
	if delta > v.thresholds.LossExplosionThr {
		return Issue{
			Type:      LossExplosion,
			Severity:  High,
			Message:   "loss increased sharply since last update",
			Value:     delta,
			Threshold: v.thresholds.LossExplosionThr,
		}, true
	}
	return Issue{}, false
}

// History returns the bounded record of past validations, oldest first.
func (v *Validator) History() []Record {
	return append([]Record(nil), v.history...)
}

// HealthPolicy bounds how many transient batch-update failures the
// Training Pipeline tolerates before escalating the issue it reports and
// pausing, grounded on internal/regression.HealthMonitor's per-bot
// crash/timeout-count escalation, generalized from "a bot process
// crashed" to "a batch update threw".
type HealthPolicy struct {
	MaxConsecutiveFailures int
	MaxFailuresPerWindow   int
	WindowSize             int
	RestartDelay           time.Duration
}

// DefaultHealthPolicy returns the documented default policy.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		MaxConsecutiveFailures: 3,
		MaxFailuresPerWindow:   5,
		WindowSize:             20,
		RestartDelay:           time.Second,
	}
}

// HealthMonitor tracks transient batch-update failures across a
// pipeline's batch loop and escalates the severity of the issue it
// reports as failures repeat, mirroring
// internal/regression.HealthMonitor's crash-count escalation.
type HealthMonitor struct {
	policy      HealthPolicy
	consecutive int
	window      []bool
}

// NewHealthMonitor constructs a HealthMonitor under policy. A zero-value
// policy falls back to DefaultHealthPolicy.
func NewHealthMonitor(policy HealthPolicy) *HealthMonitor {
	if policy.MaxConsecutiveFailures <= 0 && policy.MaxFailuresPerWindow <= 0 {
		policy = DefaultHealthPolicy()
	}
	if policy.WindowSize <= 0 {
		policy.WindowSize = 20
	}
	return &HealthMonitor{policy: policy}
}

// Policy returns the resolved policy this monitor is enforcing.
func (h *HealthMonitor) Policy() HealthPolicy {
	return h.policy
}

// RecordFailure records one transient batch-update failure and returns
// the Issue it should be surfaced as, plus whether the failure streak has
// crossed the policy's escalation thresholds and the caller should pause
// for RestartDelay before continuing.
func (h *HealthMonitor) RecordFailure(err error) (Issue, bool) {
	h.consecutive++
	h.window = append(h.window, true)
	if len(h.window) > h.policy.WindowSize {
		h.window = h.window[len(h.window)-h.policy.WindowSize:]
	}

	failuresInWindow := 0
	for _, failed := range h.window {
		if failed {
			failuresInWindow++
		}
	}

	escalate := h.consecutive >= h.policy.MaxConsecutiveFailures || failuresInWindow >= h.policy.MaxFailuresPerWindow
	severity := Low
	switch {
	case escalate:
		severity = High
	case h.consecutive > 1:
		severity = Medium
	}

	return Issue{
		Type:     TransientTrainingError,
		Severity: severity,
		Message:  err.Error(),
		Value:    float64(h.consecutive),
	}, escalate
}

// RecordSuccess resets the consecutive-failure streak after a batch
// update completes without error.
func (h *HealthMonitor) RecordSuccess() {
	h.consecutive = 0
	h.window = append(h.window, false)
	if len(h.window) > h.policy.WindowSize {
		h.window = h.window[len(h.window)-h.policy.WindowSize:]
	}
}
