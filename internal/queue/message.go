// Package queue is the work-message boundary of the optimization runtime:
// the message contract, attribute parsing and an in-memory queue with
// at-least-once delivery for tests and local runs. Production deployments
// plug a broker adapter behind the same interface.
package queue

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ManuGH/simopt/internal/model"
)

// Message attribute keys. The body is opaque and used only for logging;
// the attributes carry the contract.
const (
	AttrQueueIDs            = "QueueIds"
	AttrIsChainingProcess   = "IsChainingProcess"
	AttrSkipLowerCostCheck  = "SkipLowerCostCheck"
	AttrChargeType          = "ChargeType"
	AttrSessionID           = "SessionId"
	AttrContinuationAttempt = "ContinuationAttempt"

	// AttrRatePlanSequences marks sequence-generation messages. They belong
	// to the orchestrator's distributed generation flow, not to the worker.
	AttrRatePlanSequences = "RatePlanSequences"
	AttrCommGroupID       = "CommGroupId"

	// AttrSessionComplete marks the outbound event the coordinator emits
	// once all of a session's queues are terminal.
	AttrSessionComplete = "SessionComplete"
)

// Message is one unit on the work queue.
type Message struct {
	ID         string
	Body       []byte
	Attributes map[string]string
}

// IsTask reports whether the message is addressed to the worker runtime.
// Generation messages carry RatePlanSequences and are routed elsewhere.
func (m Message) IsTask() bool {
	if _, ok := m.Attributes[AttrRatePlanSequences]; ok {
		return false
	}
	_, ok := m.Attributes[AttrQueueIDs]
	return ok
}

// Task is the parsed work-message contract.
type Task struct {
	SessionID           int64
	QueueIDs            []int64
	Continuation        bool
	ContinuationAttempt int
	SkipLowerCostCheck  bool
	ChargeType          model.ChargeType
}

// ParseTask validates and decodes a worker message's attributes.
func ParseTask(m Message) (Task, error) {
	var t Task

	raw, ok := m.Attributes[AttrQueueIDs]
	if !ok || raw == "" {
		return t, fmt.Errorf("message %s: missing %s attribute", m.ID, AttrQueueIDs)
	}
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return t, fmt.Errorf("message %s: bad queue id %q: %w", m.ID, part, err)
		}
		t.QueueIDs = append(t.QueueIDs, id)
	}

	if raw, ok := m.Attributes[AttrSessionID]; ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return t, fmt.Errorf("message %s: bad session id %q: %w", m.ID, raw, err)
		}
		t.SessionID = id
	}

	t.Continuation = m.Attributes[AttrIsChainingProcess] == "true"
	t.SkipLowerCostCheck = m.Attributes[AttrSkipLowerCostCheck] == "true"

	if raw, ok := m.Attributes[AttrContinuationAttempt]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return t, fmt.Errorf("message %s: bad continuation attempt %q", m.ID, raw)
		}
		t.ContinuationAttempt = n
	}

	if raw, ok := m.Attributes[AttrChargeType]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 2 {
			return t, fmt.Errorf("message %s: bad charge type %q", m.ID, raw)
		}
		t.ChargeType = model.ChargeType(n)
	}
	return t, nil
}

// ToMessage encodes the task back into message attributes. Queue ids are
// sorted so the wire form is canonical.
func (t Task) ToMessage() Message {
	ids := append([]int64(nil), t.QueueIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	attrs := map[string]string{
		AttrQueueIDs:            strings.Join(parts, ","),
		AttrSessionID:           strconv.FormatInt(t.SessionID, 10),
		AttrChargeType:          strconv.Itoa(int(t.ChargeType)),
		AttrContinuationAttempt: strconv.Itoa(t.ContinuationAttempt),
	}
	if t.Continuation {
		attrs[AttrIsChainingProcess] = "true"
	}
	if t.SkipLowerCostCheck {
		attrs[AttrSkipLowerCostCheck] = "true"
	}
	return Message{
		Body:       []byte(fmt.Sprintf("optimization session %d queues %s", t.SessionID, strings.Join(parts, ","))),
		Attributes: attrs,
	}
}

// SessionCompleteMessage builds the downstream cleanup event. It carries
// only the session id; report generation reads everything else from the
// result tables.
func SessionCompleteMessage(sessionID int64) Message {
	return Message{
		Body: []byte(fmt.Sprintf("optimization session %d complete", sessionID)),
		Attributes: map[string]string{
			AttrSessionComplete: "true",
			AttrSessionID:       strconv.FormatInt(sessionID, 10),
		},
	}
}
