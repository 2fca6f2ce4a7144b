package engine

import (
	"fmt"
	"strings"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

const (
	maxMessageIDs   = 20
	maxGroupSamples = 5
)

// aggregator folds per-token and per-batch outcomes into one result. Memory is
// bounded by the number of distinct error codes, not by the token count, except
// for the tokens that must be deactivated afterwards.
type aggregator struct {
	success    int
	failure    int
	groups     map[string]*dispatch.ErrorGroup
	order      []string
	messageIDs []string
	invalid    []string
}

func newAggregator() *aggregator {
	return &aggregator{groups: make(map[string]*dispatch.ErrorGroup)}
}

func (a *aggregator) ok(messageID string) {
	a.success++
	if messageID != "" && len(a.messageIDs) < maxMessageIDs {
		a.messageIDs = append(a.messageIDs, messageID)
	}
}

func (a *aggregator) fail(code, message, token string) {
	a.failure++
	g, found := a.groups[code]
	if !found {
		g = &dispatch.ErrorGroup{Code: code, Message: message}
		a.groups[code] = g
		a.order = append(a.order, code)
	}
	g.Count++
	if token != "" && len(g.Samples) < maxGroupSamples {
		g.Samples = append(g.Samples, maskToken(token))
	}
	if token != "" && fcm.IsRegistrationInvalid(code) {
		a.invalid = append(a.invalid, token)
	}
}

// failBatch counts every token of a batch whose call did not complete.
func (a *aggregator) failBatch(tokens []string, err error) {
	code := fcm.CodeTransport
	if fcm.ErrorCode(err) == fcm.CodeTimeout {
		code = fcm.CodeTimeout
	}
	for _, t := range tokens {
		a.fail(code, err.Error(), t)
	}
}

func (a *aggregator) batch(tokens []string, br *messaging.BatchResponse) {
	for i, t := range tokens {
		if i >= len(br.Responses) || br.Responses[i] == nil {
			a.fail(fcm.CodeUnknown, "no per-token response from provider", t)
			continue
		}
		resp := br.Responses[i]
		if resp.Success {
			a.ok(resp.MessageID)
			continue
		}
		msg := "unknown error"
		if resp.Error != nil {
			msg = resp.Error.Error()
		}
		a.fail(fcm.ErrorCode(resp.Error), msg, t)
	}
}

func (a *aggregator) apply(res *dispatch.DispatchResult) {
	res.SuccessCount = a.success
	res.FailureCount = a.failure
	res.MessageIDs = a.messageIDs
	res.ErrorGroups = make([]dispatch.ErrorGroup, 0, len(a.order))
	for _, code := range a.order {
		res.ErrorGroups = append(res.ErrorGroups, *a.groups[code])
	}
	res.Status = outcome(a.success, a.failure)
	if a.failure > 0 {
		res.FailureReason = summarize(res.ErrorGroups)
	}
}

func outcome(success, failure int) dispatch.Status {
	switch {
	case failure == 0 && success > 0:
		return dispatch.StatusSuccess
	case success > 0:
		return dispatch.StatusPartialSuccess
	default:
		return dispatch.StatusFailure
	}
}

func summarize(groups []dispatch.ErrorGroup) string {
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		parts = append(parts, fmt.Sprintf("%d devices failed with code %s: %s", g.Count, g.Code, g.Message))
	}
	return strings.Join(parts, "; ")
}

// maskToken keeps enough of a token to correlate it in logs and history.
func maskToken(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}
