// Package evaluation implements fail-closed admission control for
// incoming BEAP packages: envelope verification, boundary check, and
// policy intersection, in that order. Any failure, panic, or missing
// envelope yields a rejection, never a silent pass.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wrguard/beapcore/pkg/contracts"
	"github.com/wrguard/beapcore/pkg/policy"
)

// DefaultPolicyTimeout bounds the local-policy lookup in step 3.
const DefaultPolicyTimeout = 5 * time.Second

// Pipeline evaluates incoming messages against the envelope contract,
// the declared boundary, and the local policy. It holds no mutable
// state; evaluations for different messages may run concurrently.
type Pipeline struct {
	policy        policy.Store
	policyTimeout time.Duration
	clock         func() time.Time
	logger        *slog.Logger
	tracer        trace.Tracer
}

// NewPipeline creates an evaluation pipeline querying the given
// read-only policy store.
func NewPipeline(policyStore policy.Store) *Pipeline {
	return &Pipeline{
		policy:        policyStore,
		policyTimeout: DefaultPolicyTimeout,
		clock:         time.Now,
		logger:        slog.Default().With("component", "evaluation"),
		tracer:        otel.Tracer("beapcore/evaluation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithPolicyTimeout overrides the bounded policy-lookup timeout.
func (p *Pipeline) WithPolicyTimeout(d time.Duration) *Pipeline {
	p.policyTimeout = d
	return p
}

// Evaluate runs the three admission steps in canonical order and
// returns an immutable result. Re-evaluation produces a new result.
func (p *Pipeline) Evaluate(ctx context.Context, msg *contracts.IncomingMessage) (result *contracts.EvaluationResult) {
	ctx, span := p.tracer.Start(ctx, "evaluation.evaluate")
	defer span.End()

	steps := contracts.StepsCompleted{}

	// Fail closed: a panic anywhere below becomes a rejection. The
	// failed step is the first one that did not complete.
	defer func() {
		if r := recover(); r != nil {
			step := contracts.StepEnvelopeVerification
			switch {
			case steps.BoundaryCheck:
				step = contracts.StepPolicyIntersection
			case steps.EnvelopeVerification:
				step = contracts.StepBoundaryCheck
			}
			p.logger.Error("evaluation panicked, rejecting",
				"panic", fmt.Sprint(r), "failed_step", step)
			result = p.reject(contracts.RejectEvaluationError,
				step, fmt.Sprintf("panic: %v", r), steps)
		}
		if result != nil {
			span.SetAttributes(
				attribute.Bool("beap.evaluation.passed", result.Passed),
				attribute.String("beap.evaluation.status", string(result.Status)),
			)
		}
	}()

	if msg == nil || msg.Envelope == nil {
		return p.reject(contracts.RejectEnvelopeMissing,
			contracts.StepEnvelopeVerification, "", steps)
	}
	env := msg.Envelope

	span.SetAttributes(attribute.String("beap.message_id", msg.MessageID))

	// Step 1: envelope verification.
	if reason := p.verifyEnvelope(env); reason != nil {
		return p.rejectReason(reason, steps)
	}
	steps.EnvelopeVerification = true

	// Step 2: declared boundary validity.
	if reason := p.checkBoundary(env); reason != nil {
		return p.rejectReason(reason, steps)
	}
	steps.BoundaryCheck = true

	// Step 3: intersection with local policy.
	if reason := p.intersectPolicy(ctx, env); reason != nil {
		return p.rejectReason(reason, steps)
	}
	steps.PolicyIntersection = true

	p.logger.Info("package accepted",
		"message_id", msg.MessageID,
		"envelope_id", env.EnvelopeID,
		"ingress_channel", env.IngressChannel)

	return &contracts.EvaluationResult{
		Passed:          true,
		Status:          contracts.EvaluationAccepted,
		EnvelopeSummary: env.Summary(),
		CapsuleMetadata: msg.Capsule,
		StepsCompleted:  steps,
		EvaluatedAt:     p.clock().UTC(),
	}
}

// verifyEnvelope is step 1: structural schema, integrity hash,
// signature status, and expiry.
func (p *Pipeline) verifyEnvelope(env *contracts.BeapEnvelope) *contracts.RejectionReason {
	raw, err := json.Marshal(env)
	if err != nil {
		return p.reason(contracts.RejectEnvelopeMissing,
			contracts.StepEnvelopeVerification, "envelope not serializable")
	}
	if err := contracts.ValidateEnvelopeJSON(raw); err != nil {
		// A malformed envelope is treated as missing.
		return p.reason(contracts.RejectEnvelopeMissing,
			contracts.StepEnvelopeVerification, err.Error())
	}

	if env.EnvelopeHash == "" {
		return p.reason(contracts.RejectEnvelopeHashMissing,
			contracts.StepEnvelopeVerification, "")
	}

	switch env.SignatureStatus {
	case contracts.SignatureValid:
		// ok
	case contracts.SignatureMissing:
		return p.reason(contracts.RejectSignatureMissing,
			contracts.StepEnvelopeVerification, "")
	default:
		return p.reason(contracts.RejectSignatureInvalid,
			contracts.StepEnvelopeVerification,
			fmt.Sprintf("signature status %q", env.SignatureStatus))
	}

	if env.ExpiresAt != nil && env.ExpiresAt.Before(p.clock()) {
		return p.reason(contracts.RejectEnvelopeExpired,
			contracts.StepEnvelopeVerification,
			fmt.Sprintf("expired at %s", env.ExpiresAt.UTC().Format(time.RFC3339)))
	}

	return nil
}

// checkBoundary is step 2: the envelope must declare at least one
// ingress origin and one egress target, and every declaration must be
// fully specified. A declaration with empty fields counts as missing.
func (p *Pipeline) checkBoundary(env *contracts.BeapEnvelope) *contracts.RejectionReason {
	validIngress := 0
	for _, d := range env.IngressDeclarations {
		if d.Type == "" || d.Source == "" {
			return p.reason(contracts.RejectIngressMissing,
				contracts.StepBoundaryCheck, "ingress declaration with empty type or source")
		}
		validIngress++
	}
	if validIngress == 0 {
		return p.reason(contracts.RejectIngressMissing,
			contracts.StepBoundaryCheck, "")
	}

	validEgress := 0
	for _, d := range env.EgressDeclarations {
		if d.Type == "" || d.Target == "" {
			return p.reason(contracts.RejectEgressMissing,
				contracts.StepBoundaryCheck, "egress declaration with empty type or target")
		}
		validEgress++
	}
	if validEgress == 0 {
		return p.reason(contracts.RejectEgressMissing,
			contracts.StepBoundaryCheck, "")
	}

	return nil
}

// policySnapshot is the bounded read of the policy collaborator.
type policySnapshot struct {
	providers []policy.Provider
	overview  policy.Overview
}

// intersectPolicy is step 3. The policy lookup is bounded; a timeout
// rejects the package rather than admitting it unchecked.
func (p *Pipeline) intersectPolicy(ctx context.Context, env *contracts.BeapEnvelope) *contracts.RejectionReason {
	snap, err := p.readPolicy(ctx)
	if err != nil {
		return p.reason(contracts.RejectEvaluationError,
			contracts.StepPolicyIntersection, err.Error())
	}

	// Rule (a): email ingress requires a connected provider; a named
	// provider must match a connected one.
	if env.IngressChannel == "email" {
		connected := false
		named := false
		for _, prov := range snap.providers {
			if !prov.Configured || !prov.Connected {
				continue
			}
			connected = true
			if env.Provider != "" && (prov.ID == env.Provider || prov.Type == env.Provider) {
				named = true
			}
		}
		if !connected {
			return p.reason(contracts.RejectProviderNotConfigured,
				contracts.StepPolicyIntersection, "no configured and connected provider")
		}
		if env.Provider != "" && !named {
			return p.reason(contracts.RejectProviderNotConfigured,
				contracts.StepPolicyIntersection,
				fmt.Sprintf("provider %q is not connected", env.Provider))
		}
	}

	// Rule (b): under a restrictive egress posture, every web egress
	// target must be inside the domain allow-list.
	if snap.overview.EgressPosture == policy.PostureRestrictive {
		for _, d := range env.EgressDeclarations {
			if d.Type != contracts.EgressTypeWeb {
				continue
			}
			domain := policy.TargetDomain(d.Target)
			if !policy.DomainAllowed(domain, snap.overview.AllowedDomains) {
				return p.reason(contracts.RejectEgressNotAllowed,
					contracts.StepPolicyIntersection,
					fmt.Sprintf("domain %q not in allow-list", domain))
			}
		}
	}

	// Rule (c): under a restrictive ingress posture, any public or
	// unverified declaration must be backed by at least one verified
	// handshake or allowlist declaration.
	if snap.overview.IngressPosture == policy.PostureRestrictive {
		weak := false
		strong := false
		for _, d := range env.IngressDeclarations {
			if d.Type == contracts.IngressTypePublic || !d.Verified {
				weak = true
			}
			if d.Verified && (d.Type == contracts.IngressTypeHandshake || d.Type == contracts.IngressTypeAllowlist) {
				strong = true
			}
		}
		if weak && !strong {
			return p.reason(contracts.RejectIngressNotAllowed,
				contracts.StepPolicyIntersection,
				"no verified handshake or allowlist declaration backs a public ingress")
		}
	}

	return nil
}

// readPolicy queries the collaborator with a bounded timeout so a hung
// policy store can never stall or silently pass an evaluation.
func (p *Pipeline) readPolicy(ctx context.Context) (*policySnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.policyTimeout)
	defer cancel()

	done := make(chan *policySnapshot, 1)
	failed := make(chan error, 1)
	go func() {
		// A panicking policy store must reject, not crash the process.
		defer func() {
			if r := recover(); r != nil {
				failed <- fmt.Errorf("policy lookup panicked: %v", r)
			}
		}()
		done <- &policySnapshot{
			providers: p.policy.GetProviders(),
			overview:  p.policy.GetPolicyOverview(),
		}
	}()

	select {
	case snap := <-done:
		return snap, nil
	case err := <-failed:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("policy lookup did not complete: %w", ctx.Err())
	}
}

func (p *Pipeline) reason(code contracts.RejectionCode, step, details string) *contracts.RejectionReason {
	return &contracts.RejectionReason{
		Code:         code,
		HumanSummary: HumanSummary(code),
		Details:      details,
		Timestamp:    p.clock().UTC(),
		FailedStep:   step,
	}
}

func (p *Pipeline) reject(code contracts.RejectionCode, step, details string, steps contracts.StepsCompleted) *contracts.EvaluationResult {
	return p.rejectReason(p.reason(code, step, details), steps)
}

func (p *Pipeline) rejectReason(reason *contracts.RejectionReason, steps contracts.StepsCompleted) *contracts.EvaluationResult {
	p.logger.Warn("package rejected",
		"code", string(reason.Code),
		"failed_step", reason.FailedStep,
		"details", reason.Details)

	return &contracts.EvaluationResult{
		Passed:          false,
		Status:          contracts.EvaluationRejected,
		RejectionReason: reason,
		StepsCompleted:  steps,
		EvaluatedAt:     p.clock().UTC(),
	}
}
