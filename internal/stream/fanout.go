package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/incbuild/incwatch/internal/watchman"
)

// Post queues a watch_event frame. It makes Server a watchman.Sink.
func (s *Server) Post(event watchman.Event) {
	s.publish(MessageTypeEvent, EventData{Kind: event.Kind.String(), Path: event.Path})
}

// PostCycle queues a cycle frame. res may be nil for failed cycles.
func (s *Server) PostCycle(res *watchman.Result, cycleErr error) {
	var data CycleData
	if res != nil {
		data = CycleData{
			Clock:         res.Clock,
			FreshInstance: res.IsFreshInstance,
			Overflowed:    res.Overflowed,
			EventCount:    len(res.Events),
		}
	}
	if cycleErr != nil {
		data.Error = cycleErr.Error()
	}
	s.publish(MessageTypeCycle, data)
}

func (s *Server) publish(typ MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("Failed to encode %s frame: %v", typ, err)
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}

// Broadcast queues msg for every client without blocking. A full queue
// drops msg and schedules an overflow event for all clients.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.queue <- msg:
	case <-s.ctx.Done():
	default:
		n := s.dropped.Add(1)
		select {
		case s.lost <- struct{}{}:
		default:
		}
		s.logger.Printf("Warning: queue full, dropped %s frame (%d dropped so far)", msg.Type, n)
	}
}

// overflowMessage tells clients their change set is incomplete.
func overflowMessage() Message {
	data, _ := json.Marshal(EventData{Kind: watchman.KindOverflow.String()})
	return Message{Type: MessageTypeEvent, Timestamp: time.Now(), Data: data}
}

func (s *Server) fanout() {
	defer s.done.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			s.deliver(msg)
		case <-s.lost:
			s.deliver(overflowMessage())
		}
	}
}

// deliver writes msg to every connected client, disconnecting the ones
// that fail.
func (s *Server) deliver(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to encode frame: %v", err)
		return
	}

	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		if err := s.write(conn, data); err != nil {
			s.logger.Printf("Write to client failed: %v", err)
			s.disconnect(conn)
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
