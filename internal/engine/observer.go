package engine

import (
	"context"

	goweerrors "github.com/wilke-labs/gowe-engine/internal/errors"
	"github.com/wilke-labs/gowe-engine/internal/metadata"
	"github.com/wilke-labs/gowe-engine/internal/store"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// storeObserver is the call.Observer the Supervisor wires into every
// call.Machine: it persists the transitioned Call row, then publishes the
// metadata events, matching spec.md §4.H's required ordering ("metadata
// events are emitted only after the transaction commits").
type storeObserver struct {
	store store.Store
	pub   metadata.Publisher
}

func (o *storeObserver) CallTransitioned(ctx context.Context, c *model.Call) error {
	if err := o.store.UpsertCall(ctx, c); err != nil {
		return &goweerrors.PersistenceError{Op: "UpsertCall", Err: err}
	}
	o.pub.Publish(metadata.StatusEvent(c.Key.WorkflowID, &c.Key, string(c.Status)))
	if c.Status == model.CallStarting {
		o.pub.Publish(metadata.RuntimeAttributesEvent(c.Key.WorkflowID, c.Key, c.Runtime))
	}
	if c.Detritus.Complete() {
		o.pub.Publish(metadata.DetritusEvent(c.Key.WorkflowID, c.Key, c.Detritus))
	}
	return nil
}
