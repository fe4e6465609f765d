package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/blackcoderx/amsdk/pkg/core"
	"github.com/blackcoderx/amsdk/pkg/storage"
	"github.com/blackcoderx/amsdk/pkg/transport"
)

// execute submits a saved call through the sender matching its shape: downloads and
// uploads go through the document queue, everything else through the request queue.
func execute(c *core.Client, call *storage.SavedCall, d core.DownloadDelegate) (*core.Request, error) {
	s := c.Sender()
	query := call.QueryParams()

	switch {
	case call.Download != "":
		return s.DownloadAttachment(call.Path, query, call.Headers, call.Download, d), nil
	case len(call.Attachments) > 0:
		body, err := call.BodyParams(c.Fs())
		if err != nil {
			return nil, err
		}
		return s.UploadAttachments(call.Path, query, body.Fields(), call.Attachments, call.Headers, d), nil
	default:
		body, err := call.BodyParams(c.Fs())
		if err != nil {
			return nil, err
		}
		return s.Send(call.Method, call.Path, query, body, call.Headers, d), nil
	}
}

// addToBatch queues a saved call on session. Uploads and downloads cannot be batched.
func addToBatch(c *core.Client, session *core.BatchSession, call *storage.SavedCall) (*core.Request, error) {
	if call.Download != "" || len(call.Attachments) > 0 {
		return nil, fmt.Errorf("saved call %q: %w", call.Name, transport.ErrUnsupported)
	}
	body, err := call.BodyParams(c.Fs())
	if err != nil {
		return nil, err
	}
	return c.Sender().SendInBatch(session, call.Method, call.Path, call.QueryParams(), body, call.Headers, nil), nil
}

// await waits for r and cancels it when ctx ends first.
func await(ctx context.Context, r *core.Request) (*core.Response, error) {
	resp, err := r.Wait(ctx)
	if ctx.Err() != nil {
		r.Cancel()
		return nil, fmt.Errorf("interrupted: %w", ctx.Err())
	}
	return resp, err
}

// loadCalls resolves saved calls by name and applies the environment, when one is
// named.
func loadCalls(store *storage.Store, envName string, names []string) ([]*storage.SavedCall, error) {
	var env *storage.Environment
	if envName != "" {
		e, err := store.LoadEnvironment(envName)
		if err != nil {
			return nil, fmt.Errorf("failed to load environment '%s': %w", envName, err)
		}
		env = e
	}

	calls := make([]*storage.SavedCall, 0, len(names))
	for _, name := range names {
		call, err := store.LoadCall(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load saved call '%s': %w", name, err)
		}
		calls = append(calls, call.Apply(env))
	}
	return calls, nil
}

// batchNames lists the calls of group followed by the named ones, without repeats.
func batchNames(store *storage.Store, group string, names []string) ([]string, error) {
	var out []string
	if group != "" {
		grouped, err := store.ListGroup(group)
		if err != nil {
			return nil, err
		}
		if len(grouped) == 0 {
			return nil, fmt.Errorf("no saved calls in batch group '%s'", group)
		}
		out = grouped
	}
	for _, name := range names {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("name at least one saved call or pass --group")
	}
	return out, nil
}

// runBatch commits calls as one batch and prints each child result in order.
func runBatch(ctx context.Context, w io.Writer, c *core.Client, calls []*storage.SavedCall, customParams map[string]string) error {
	session := c.Sender().BatchBegin()
	children := make([]*core.Request, 0, len(calls))
	for _, call := range calls {
		r, err := addToBatch(c, session, call)
		if err != nil {
			return err
		}
		children = append(children, r)
	}

	batch := c.Sender().BatchCommit(session, customParams, nil)
	if _, err := await(ctx, batch); err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}
	for i, child := range children {
		resp, err := await(ctx, child)
		fmt.Fprintln(w, accentStyle.Render(fmt.Sprintf("[%d] %s", i+1, calls[i].Name)))
		if err != nil {
			fmt.Fprintln(w, describeError(err))
			continue
		}
		printResponse(w, resp)
	}
	return nil
}
