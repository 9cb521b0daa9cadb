package syncer

import (
	"encoding/json"

	"github.com/forgeline/jobsync/pkg/types"
)

// Observer receives a tracked job's lifecycle. Exactly one of OnComplete,
// OnError or OnCancelled is called per tracking session.
type Observer interface {
	OnProgress(entry types.ProgressEntry)
	OnComplete(result json.RawMessage)
	OnError(err error)
	OnCancelled()
}

// Callbacks adapts optional funcs to Observer
type Callbacks struct {
	Progress  func(entry types.ProgressEntry)
	Complete  func(result json.RawMessage)
	Error     func(err error)
	Cancelled func()
}

func (c Callbacks) OnProgress(entry types.ProgressEntry) {
	if c.Progress != nil {
		c.Progress(entry)
	}
}

func (c Callbacks) OnComplete(result json.RawMessage) {
	if c.Complete != nil {
		c.Complete(result)
	}
}

func (c Callbacks) OnError(err error) {
	if c.Error != nil {
		c.Error(err)
	}
}

func (c Callbacks) OnCancelled() {
	if c.Cancelled != nil {
		c.Cancelled()
	}
}
