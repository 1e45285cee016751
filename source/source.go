package source

import (
	"context"
	"fmt"
	"iter"
)

// Channel selects the load lane a work item ends up in. Records of different
// channels never share a batch or a committer.
type Channel uint8

const (
	Create Channel = iota
	Update

	// NumChannels is the number of defined channels; valid channels are < NumChannels.
	NumChannels = 2
)

// Channels lists every channel in drain order.
var Channels = [NumChannels]Channel{Create, Update}

func (c Channel) String() string {
	switch c {
	case Create:
		return "create"
	case Update:
		return "update"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// Valid reports whether c is one of the defined channels.
func (c Channel) Valid() bool { return c < NumChannels }

// ParseChannel maps "create" and "update" onto their Channel.
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "create":
		return Create, nil
	case "update":
		return Update, nil
	default:
		return 0, fmt.Errorf("unknown channel %q", s)
	}
}

// WorkItem is one unit of input. ID identifies the item in logs (a file path,
// a message id).
type WorkItem[P any] struct {
	Channel Channel
	ID      string
	Payload P
}

// Producer is a lazy single-pass sequence of work items. A non-nil error ends
// the run.
type Producer[P any] = iter.Seq2[WorkItem[P], error]

// Stream builds a producer bound to ctx. A stream must end its sequence soon
// after ctx is canceled, even while it is waiting for input.
type Stream[P any] func(ctx context.Context) Producer[P]

// Slice produces items in order. Useful for tests and small in-memory runs.
func Slice[P any](items ...WorkItem[P]) Producer[P] {
	return func(yield func(WorkItem[P], error) bool) {
		for _, it := range items {
			if !yield(it, nil) {
				return
			}
		}
	}
}
