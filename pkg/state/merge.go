package state

import (
	"fmt"
	"slices"

	"codeagent/pkg/exec"
	"codeagent/pkg/notebook"
	"codeagent/pkg/proto"
)

// Policy is how a step's value for a field combines with the stored value.
type Policy int

const (
	// Replace overwrites the stored value.
	Replace Policy = iota
	// Append extends the stored list with the step's entries.
	Append
)

func (p Policy) String() string {
	switch p {
	case Replace:
		return "replace"
	case Append:
		return "append"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Field names a mergeable SessionState field.
type Field string

const (
	FieldTask             Field = "task"
	FieldPendingCode      Field = "pending_code"
	FieldReasoning        Field = "reasoning"
	FieldLastExecutedCode Field = "last_executed_code"
	FieldLastStdout       Field = "last_stdout"
	FieldLastStderr       Field = "last_stderr"
	FieldLastExecOutcome  Field = "last_exec_outcome"
	FieldHistory          Field = "history"
	FieldSuggestedOptions Field = "suggested_options"
	FieldRoutingDecision  Field = "routing_decision"
	FieldTaskExpertise    Field = "task_expertise"
	FieldDocument         Field = "document"
	FieldDocumentPath     Field = "document_path"
	FieldRepairAttempts   Field = "repair_attempts"
	FieldSteps            Field = "steps"
	FieldCurrent          Field = "current"
	FieldSuspended        Field = "suspended"
	FieldOutcome          Field = "outcome"
	FieldMessage          Field = "message"
)

// Policies declares the merge policy of every field. Merge consults only
// this table.
var Policies = map[Field]Policy{
	FieldTask:             Replace,
	FieldPendingCode:      Replace,
	FieldReasoning:        Replace,
	FieldLastExecutedCode: Replace,
	FieldLastStdout:       Replace,
	FieldLastStderr:       Replace,
	FieldLastExecOutcome:  Replace,
	FieldHistory:          Append,
	FieldSuggestedOptions: Replace,
	FieldRoutingDecision:  Replace,
	FieldTaskExpertise:    Replace,
	FieldDocument:         Replace,
	FieldDocumentPath:     Replace,
	FieldRepairAttempts:   Replace,
	FieldSteps:            Replace,
	FieldCurrent:          Replace,
	FieldSuspended:        Replace,
	FieldOutcome:          Replace,
	FieldMessage:          Replace,
}

// StepOutput is the partial result a step returns. A nil field is left
// untouched by Merge.
type StepOutput struct {
	Task        *string
	PendingCode *string
	Reasoning   *string

	LastExecutedCode *string
	LastStdout       *string
	LastStderr       *string
	LastExecOutcome  *exec.Outcome

	History          []string
	SuggestedOptions []string

	RoutingDecision *proto.Destination
	TaskExpertise   *proto.Expertise

	Document     *notebook.Document
	DocumentPath *string

	RepairAttempts *int
	Steps          *int
	Current        *proto.State
	Suspended      *bool
	Outcome        *TurnOutcome
	Message        *string
}

// Ref returns a pointer to v, for filling StepOutput fields.
func Ref[T any](v T) *T { return &v }

type binding struct {
	field Field
	list  bool
	merge func(dst *SessionState, out *StepOutput, p Policy) bool
}

var bindings = []binding{
	{field: FieldTask, merge: func(d *SessionState, o *StepOutput, _ Policy) bool { return mergeValue(&d.Task, o.Task) }},
	{field: FieldPendingCode, merge: func(d *SessionState, o *StepOutput, _ Policy) bool { return mergeValue(&d.PendingCode, o.PendingCode) }},
	{field: FieldReasoning, merge: func(d *SessionState, o *StepOutput, _ Policy) bool { return mergeValue(&d.Reasoning, o.Reasoning) }},
	{field: FieldLastExecutedCode, merge: func(d *SessionState, o *StepOutput, _ Policy) bool {
		return mergeValue(&d.LastExecutedCode, o.LastExecutedCode)
	}},
	{field: FieldLastStdout, merge: func(d *SessionState, o *StepOutput, _ Policy) bool { return mergeValue(&d.LastStdout, o.LastStdout) }},
	{field: FieldLastStderr, merge: func(d *SessionState, o *StepOutput, _ Policy) bool { return mergeValue(&d.LastStderr, o.LastStderr) }},
	{field: FieldLastExecOutcome, merge: func(d *SessionState, o *StepOutput, _ Policy) bool {
		return mergeValue(&d.LastExecOutcome, o.LastExecOutcome)
	}},
	{field: FieldHistory, list: true, merge: func(d *SessionState, o *StepOutput, p Policy) bool { return mergeList(p, &d.History, o.History) }},
	{field: FieldSuggestedOptions, list: true, merge: func(d *SessionState, o *StepOutput, p Policy) bool {
		return mergeList(p, &d.SuggestedOptions, o.SuggestedOptions)
	}},
	{field: FieldRoutingDecision, merge: func(d *SessionState, o *StepOutput, _ Policy) bool {
		return mergeValue(&d.RoutingDecision, o.RoutingDecision)
	}},
	{field: FieldTaskExpertise, merge: func(d *SessionState, o *StepOutput, _ Policy) bool {
		return mergeValue(&d.TaskExpertise, o.TaskExpertise)
	}},
	{field: FieldDocument, merge: func(d *SessionState, o *StepOutput, _ Policy) bool {
		if o.Document == nil {
			return false
		}
		d.Document = o.Document
		return true
	}},
	{field: FieldDocumentPath, merge: func(d *SessionState, o *StepOutput, _ Policy) bool { return mergeValue(&d.DocumentPath, o.DocumentPath) }},
	{field: FieldRepairAttempts, merge: func(d *SessionState, o *StepOutput, _ Policy) bool {
		return mergeValue(&d.RepairAttempts, o.RepairAttempts)
	}},
	{field: FieldSteps, merge: func(d *SessionState, o *StepOutput, _ Policy) bool { return mergeValue(&d.Steps, o.Steps) }},
	{field: FieldCurrent, merge: func(d *SessionState, o *StepOutput, _ Policy) bool { return mergeValue(&d.Current, o.Current) }},
	{field: FieldSuspended, merge: func(d *SessionState, o *StepOutput, _ Policy) bool { return mergeValue(&d.Suspended, o.Suspended) }},
	{field: FieldOutcome, merge: func(d *SessionState, o *StepOutput, _ Policy) bool { return mergeValue(&d.Outcome, o.Outcome) }},
	{field: FieldMessage, merge: func(d *SessionState, o *StepOutput, _ Policy) bool { return mergeValue(&d.Message, o.Message) }},
}

func init() {
	if err := checkPolicies(); err != nil {
		panic(err)
	}
}

// checkPolicies verifies that every bound field has a declared policy and
// that Append is only declared for list fields.
func checkPolicies() error {
	seen := make(map[Field]bool, len(bindings))
	for _, b := range bindings {
		p, ok := Policies[b.field]
		if !ok {
			return fmt.Errorf("state: field %q has no merge policy", b.field)
		}
		if p == Append && !b.list {
			return fmt.Errorf("state: field %q is scalar but declared %s", b.field, p)
		}
		seen[b.field] = true
	}
	for f := range Policies {
		if !seen[f] {
			return fmt.Errorf("state: policy declared for unknown field %q", f)
		}
	}
	return nil
}

// Merge applies out to dst according to Policies and returns the fields it
// changed, in declaration order.
func Merge(dst *SessionState, out StepOutput) []Field {
	var changed []Field
	for _, b := range bindings {
		if b.merge(dst, &out, Policies[b.field]) {
			changed = append(changed, b.field)
		}
	}
	return changed
}

func mergeValue[T any](dst *T, v *T) bool {
	if v == nil {
		return false
	}
	*dst = *v
	return true
}

func mergeList(p Policy, dst *[]string, v []string) bool {
	if v == nil {
		return false
	}
	switch p {
	case Append:
		*dst = append(*dst, v...)
	case Replace:
		*dst = slices.Clone(v)
	}
	return true
}
