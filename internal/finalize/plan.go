// Package finalize orchestrates the follow-up actions a user may choose after
// a service-intake document is saved: collecting the client's signature and
// previewing a printable rendition. A Workflow plans the chosen steps once,
// runs them strictly in order and reports a single completion.
package finalize

import "fmt"

// StepKind identifies one step of a finalization sequence.
type StepKind int

const (
	SignatureRequest StepKind = iota + 1
	SignatureStatus
	PrintPreview
)

var stepNames = map[StepKind]string{
	SignatureRequest: "signature_request",
	SignatureStatus:  "signature_status",
	PrintPreview:     "print_preview",
}

func (k StepKind) String() string {
	if name, ok := stepNames[k]; ok {
		return name
	}
	return fmt.Sprintf("step(%d)", int(k))
}

// MarshalText encodes the step by name.
func (k StepKind) MarshalText() ([]byte, error) {
	name, ok := stepNames[k]
	if !ok {
		return nil, fmt.Errorf("finalize: unknown step kind %d", int(k))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a step name.
func (k *StepKind) UnmarshalText(b []byte) error {
	parsed, err := ParseStepKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseStepKind returns the step with the given name.
func ParseStepKind(s string) (StepKind, error) {
	for k, name := range stepNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("finalize: unknown step %q", s)
}

// Phase is the coarse lifecycle position of a workflow.
type Phase int

const (
	Selection Phase = iota
	Running
	Completed
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Selection:
		return "selection"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether no further step can run.
func (p Phase) Terminal() bool {
	return p == Completed || p == Aborted
}

// Options are the follow-up actions the user selected.
type Options struct {
	CollectSignature bool `json:"collect_signature"`
	ShowPrintPreview bool `json:"show_print_preview"`
}

// Sequence is the ordered plan of steps for one run.
type Sequence []StepKind

// Strings returns the step names in order.
func (s Sequence) Strings() []string {
	out := make([]string, len(s))
	for i, k := range s {
		out[i] = k.String()
	}
	return out
}

// Plan builds the step sequence for opts. Signature steps need a contact
// address to reach the client and are dropped without one. Signature always
// precedes the print preview.
func Plan(opts Options, hasContact bool) Sequence {
	seq := Sequence{}
	if opts.CollectSignature && hasContact {
		seq = append(seq, SignatureRequest, SignatureStatus)
	}
	if opts.ShowPrintPreview {
		seq = append(seq, PrintPreview)
	}
	return seq
}
