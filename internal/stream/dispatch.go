package stream

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantpipe/streamfeed/internal/book"
	"github.com/quantpipe/streamfeed/internal/exchange"
)

// dispatch routes one inbound frame: acknowledgements resolve pending
// control requests, pings get answered, data frames go through the
// normalizer to their handler. Never fatal; malformed frames are logged
// and dropped.
func (m *Manager) dispatch(sess *liveSession, msg TimestampedMessage) {
	frame, err := m.spec.Classify(msg.Data)
	if err != nil {
		m.logger.Warn("unparseable frame dropped", "error", err)
		return
	}

	switch frame.Kind {
	case exchange.KindAck:
		var ackErr error
		if !frame.OK {
			ackErr = fmt.Errorf("control rejected: %s", frame.Err)
		}
		m.resolveAck(frame.ID, ackErr)

	case exchange.KindAuthAck:
		var authErr error
		if !frame.OK {
			authErr = fmt.Errorf("%w: %s", ErrAuth, frame.Err)
		}
		select {
		case sess.authCh <- authErr:
		default:
		}

	case exchange.KindPong:
		// Traffic already counted by the client read loop; nothing to do.

	case exchange.KindPing:
		if pong, ok := m.spec.PongFrame(); ok {
			if err := sess.client.Send(pong); err != nil {
				m.logger.Debug("pong send failed", "error", err)
			}
		}

	case exchange.KindData:
		m.dispatchData(frame, msg.ReceivedAt)

	default:
		m.logger.Debug("unclassified frame dropped")
	}
}

// dispatchData merges managed feeds through the snapshot store and
// invokes the topic handler with the resulting view.
func (m *Manager) dispatchData(frame exchange.Frame, receivedAt time.Time) {
	h, ok := m.registry.Handler(frame.Topic)
	if !ok {
		m.logger.Debug("no handler for topic, dropping", "topic", frame.Topic)
		return
	}

	msg := Message{
		Topic:      frame.Topic,
		Data:       frame.Payload,
		ReceivedAt: receivedAt,
	}

	switch frame.Merge {
	case exchange.MergeBook:
		merged, err := m.store.ApplyBook(frame.Topic, *frame.Book)
		if err != nil {
			m.logDropped(frame.Topic, err)
			return
		}
		data, err := json.Marshal(merged)
		if err != nil {
			m.logger.Error("encode merged book", "topic", frame.Topic, "error", err)
			return
		}
		msg.Data = data
		msg.Merged = true

	case exchange.MergeFields:
		merged, err := m.store.ApplyFields(frame.Topic, *frame.Fields)
		if err != nil {
			m.logDropped(frame.Topic, err)
			return
		}
		data, err := json.Marshal(merged)
		if err != nil {
			m.logger.Error("encode merged fields", "topic", frame.Topic, "error", err)
			return
		}
		msg.Data = data
		msg.Merged = true
	}

	h(msg)
}

// logDropped records a delta that could not be applied. A delta arriving
// before any snapshot is expected noise right after subscribe.
func (m *Manager) logDropped(topic string, err error) {
	if errors.Is(err, book.ErrNoSnapshot) {
		m.logger.Debug("delta before snapshot, dropping", "topic", topic)
		return
	}
	m.logger.Warn("merge failed, dropping frame", "topic", topic, "error", err)
}
