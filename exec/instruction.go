package exec

import (
	"time"

	"github.com/google/uuid"
	"github.com/rickb777/date/v2/timespan"
)

// InstructionKind classifies the in-flight operation an Instruction records.
type InstructionKind string

const (
	KindAction      InstructionKind = "action"
	KindAsyncAction InstructionKind = "asyncAction"
	KindEpic        InstructionKind = "epic"
	KindSaga        InstructionKind = "saga"
)

// Instruction is a record of one in-flight operation. It is created by
// whichever component starts the operation and removed from the Stack by the
// same component when the operation completes or is cancelled. The Stack
// itself never constructs one.
type Instruction struct {
	ID       string
	Kind     InstructionKind
	Instance any
	Context  *Instruction
	Started  timespan.TimeSpan
}

func NewInstruction(kind InstructionKind, instance any) *Instruction {
	return &Instruction{
		ID:       uuid.New().String(),
		Kind:     kind,
		Instance: instance,
		Started:  startedNow(),
	}
}

// WithContext links the instruction to the instruction it was started under.
func (in *Instruction) WithContext(parent *Instruction) *Instruction {
	in.Context = parent
	return in
}

// Age reports how long the operation has been running, measured from the
// start of the Started span.
func (in *Instruction) Age() time.Duration {
	return time.Since(in.Started.Start())
}

const epsilon = time.Millisecond

func startedNow() timespan.TimeSpan {
	now := time.Now()
	return timespan.BetweenTimes(now.Add(-1*epsilon), now.Add(epsilon))
}
