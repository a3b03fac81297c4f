// Package channel is the inter-process request/response client used by the
// watchdog to delegate corrective actions to the executor process. Both
// queues live in the shared database, so a message survives the crash of
// either side.
package channel

import (
	"context"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"ordersync/src/fault"
	"ordersync/src/model"
	"ordersync/src/repository"
)

// Channel sends requests and awaits responses over the durable queues.
type Channel struct {
	repo     *repository.ChannelRepository
	identity string

	// pollEvery controls how often Await re-checks the response queue.
	pollEvery time.Duration
}

// New creates a channel client. identity is stamped on every request as
// issued_by so responses can be traced back to their origin process.
func New(repo *repository.ChannelRepository, identity string) *Channel {
	return &Channel{repo: repo, identity: identity, pollEvery: time.Second}
}

// WithPollInterval overrides the response poll interval, mainly for tests.
func (c *Channel) WithPollInterval(d time.Duration) *Channel {
	out := *c
	out.pollEvery = d
	return &out
}

// Send appends one request and returns its request id for correlation.
func (c *Channel) Send(ctx context.Context, action model.WatchdogAction, orderRef string) (string, error) {
	req := &model.WatchdogRequest{
		RequestID: uuid.New().String(),
		Action:    action,
		OrderRef:  orderRef,
		IssuedBy:  c.identity,
		IssuedAt:  time.Now().UTC(),
	}

	logger.WithFields(map[string]interface{}{
		"component":  "Channel",
		"op":         "Send",
		"request_id": req.RequestID,
		"action":     action,
		"order_ref":  orderRef,
	}).Info("Sending channel request")

	if err := c.repo.AppendRequest(ctx, req); err != nil {
		return "", fault.New(fault.Channel, "channel.Send", err)
	}
	return req.RequestID, nil
}

// Await polls the response queue until a response for the request arrives or
// maxWait elapses. Timing out yields a ChannelFault; the caller treats it the
// same as an explicit FAILED result.
func (c *Channel) Await(ctx context.Context, requestID string, maxWait time.Duration) (*model.WatchdogResponse, error) {
	deadline := time.Now().Add(maxWait)

	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		resp, err := c.repo.FindResponse(ctx, requestID)
		if err != nil {
			return nil, fault.New(fault.Channel, "channel.Await", err)
		}
		if resp != nil {
			logger.WithFields(map[string]interface{}{
				"component":  "Channel",
				"op":         "Await",
				"request_id": requestID,
				"result":     resp.Result,
			}).Info("Channel response received")
			return resp, nil
		}

		if time.Now().After(deadline) {
			logger.WithFields(map[string]interface{}{
				"component":  "Channel",
				"op":         "Await",
				"request_id": requestID,
				"max_wait":   maxWait.String(),
			}).Warn("Channel response wait timed out")
			return nil, fault.Errorf(fault.Channel, "channel.Await",
				"no response for request %s within %s", requestID, maxWait)
		}

		select {
		case <-ctx.Done():
			return nil, fault.New(fault.Channel, "channel.Await", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Respond appends the response for a consumed request.
func (c *Channel) Respond(ctx context.Context, requestID string, result model.WatchdogResult, detail string) error {
	resp := &model.WatchdogResponse{
		RequestID:   requestID,
		Result:      result,
		Detail:      detail,
		RespondedBy: c.identity,
	}
	if err := c.repo.AppendResponse(ctx, resp); err != nil {
		return fault.New(fault.Channel, "channel.Respond", err)
	}
	return nil
}

// Handler processes one delivered request and reports its outcome.
type Handler func(ctx context.Context, req *model.WatchdogRequest) (model.WatchdogResult, string)

// Drain consumes pending requests one at a time until the queue is empty.
// The response is appended before the request is marked consumed, so a crash
// in between redelivers the request and at worst duplicates the response,
// which correlation by request id tolerates.
func (c *Channel) Drain(ctx context.Context, handle Handler) (int, error) {
	handled := 0
	for {
		req, err := c.repo.NextPending(ctx)
		if err != nil {
			return handled, fault.New(fault.Channel, "channel.Drain", err)
		}
		if req == nil {
			return handled, nil
		}

		result, detail := handle(ctx, req)

		if err := c.Respond(ctx, req.RequestID, result, detail); err != nil {
			return handled, err
		}
		if err := c.repo.MarkConsumed(ctx, req.RequestID); err != nil {
			return handled, fault.New(fault.Channel, "channel.Drain", err)
		}
		handled++
	}
}
