package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/task"
)

var errNoConversation = errors.New("project has no conversation to reply to")

// streamKey identifies the conversation a project replies into. At most one
// streamed post is open per key.
func streamKey(proj *task.Project) string {
	if proj.Metadata.ChannelID == "" {
		return proj.ID
	}
	return proj.Metadata.ChannelID + "/" + proj.Metadata.ThreadID
}

// progress posts status as the open streamed reply, or edits it when one is
// already open.
func (o *Orchestrator) progress(ctx context.Context, proj *task.Project, self agent.Info, status string) {
	key := streamKey(proj)
	o.mu.Lock()
	id, open := o.streams[key]
	o.mu.Unlock()

	if open {
		if _, err := o.cfg.Transport.UpdatePost(ctx, id, status); err != nil {
			o.logger.Debug("stream update failed", "project", proj.ID, slog.Any("err", err))
		}
		return
	}
	msg, err := o.send(ctx, proj, self, status)
	if err != nil {
		if !errors.Is(err, errNoConversation) {
			o.logger.Debug("stream post failed", "project", proj.ID, slog.Any("err", err))
		}
		return
	}
	o.mu.Lock()
	o.streams[key] = msg.ID
	o.mu.Unlock()
}

// reply sends the final text of a step, replacing the open streamed post if
// there is one. It closes the stream either way.
func (o *Orchestrator) reply(ctx context.Context, proj *task.Project, self agent.Info, text string) {
	key := streamKey(proj)
	o.mu.Lock()
	id, open := o.streams[key]
	delete(o.streams, key)
	o.mu.Unlock()

	if open {
		_, err := o.cfg.Transport.UpdatePost(ctx, id, text)
		if err == nil {
			return
		}
		o.logger.Warn("finalizing streamed reply failed; sending a new message", "project", proj.ID, slog.Any("err", err))
	}
	if _, err := o.send(ctx, proj, self, text); err != nil && !errors.Is(err, errNoConversation) {
		o.logger.Error("reply failed", "project", proj.ID, slog.Any("err", err))
	}
}

// closeStream forgets the open streamed post of proj's conversation, leaving
// its content as it is.
func (o *Orchestrator) closeStream(proj *task.Project) {
	o.mu.Lock()
	delete(o.streams, streamKey(proj))
	o.mu.Unlock()
}

// send posts text into proj's conversation thread.
func (o *Orchestrator) send(ctx context.Context, proj *task.Project, self agent.Info, text string) (*comms.Message, error) {
	meta := proj.Metadata
	if o.cfg.Transport == nil || meta.ChannelID == "" {
		return nil, errNoConversation
	}
	msg := &comms.Message{Type: comms.TypeAgent, From: self.ID, Content: text}

	var (
		sent *comms.Message
		err  error
	)
	if meta.ThreadID != "" {
		parentID := meta.OriginatingMessageID
		if parentID == "" {
			parentID = meta.ThreadID
		}
		parent := &comms.Message{ID: parentID, ChannelID: meta.ChannelID, ThreadID: meta.ThreadID}
		sent, err = o.cfg.Transport.Reply(ctx, parent, msg)
	} else {
		msg.ChannelID = meta.ChannelID
		sent, err = o.cfg.Transport.Post(ctx, msg)
	}
	if err != nil && sent != nil {
		// Delivered, but a subscriber complained.
		o.logger.Debug("reply delivered with subscriber errors", "project", proj.ID, slog.Any("err", err))
		return sent, nil
	}
	return sent, err
}
