package evaluation

import "github.com/wrguard/beapcore/pkg/contracts"

// humanSummaries maps every rejection code to its operator-facing
// one-liner. The taxonomy is closed; an unknown code is a bug.
var humanSummaries = map[contracts.RejectionCode]string{
	contracts.RejectEnvelopeMissing:       "package has no readable envelope",
	contracts.RejectEnvelopeHashMissing:   "envelope carries no integrity hash",
	contracts.RejectSignatureInvalid:      "envelope signature failed verification",
	contracts.RejectSignatureMissing:      "envelope is unsigned",
	contracts.RejectIngressMissing:        "envelope declares no valid ingress origin",
	contracts.RejectEgressMissing:         "envelope declares no valid egress target",
	contracts.RejectEnvelopeExpired:       "envelope validity window has passed",
	contracts.RejectProviderNotConfigured: "no connected provider accepts this ingress channel",
	contracts.RejectEgressNotAllowed:      "an egress target is outside the local allow-list",
	contracts.RejectIngressNotAllowed:     "ingress declarations do not satisfy the local posture",
	contracts.RejectEvaluationError:       "evaluation failed unexpectedly; package refused",
}

// HumanSummary returns the operator-facing text for a rejection code.
func HumanSummary(code contracts.RejectionCode) string {
	if s, ok := humanSummaries[code]; ok {
		return s
	}
	return string(code)
}
