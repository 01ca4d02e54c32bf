package session

import (
	"context"

	"github.com/pitabwire/datagrid/model"
)

// feedback answers the executor's prompts for one HTTP round trip. The
// caller confirms up front; a prompt that was not confirmed is recorded so
// the response can ask for it.
type feedback struct {
	confirmed bool
	prompt    string
	notices   []model.Notice
}

func (f *feedback) Confirm(_ context.Context, message string) bool {
	f.prompt = message
	return f.confirmed
}

func (f *feedback) Notify(_ context.Context, n model.Notice) {
	f.notices = append(f.notices, n)
}

// SetBusy is a no-op; the session tracks busy commands itself.
func (f *feedback) SetBusy(string, bool) {}
