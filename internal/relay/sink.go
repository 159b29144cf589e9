package relay

import "sync"

// DefaultSinkQueueSize bounds each connection's outbound backlog.
const DefaultSinkQueueSize = 64

// Sink is a delivery endpoint for one connection. Send must not block: the
// hub calls it from its loop and treats false as a lost transport.
type Sink interface {
	Send(msg Outbound) bool
	Close()
}

// QueueSink buffers outbound messages for a transport writer goroutine.
type QueueSink struct {
	messages chan Outbound
	done     chan struct{}
	once     sync.Once
}

// NewQueueSink creates a sink holding at most size undelivered messages.
func NewQueueSink(size int) *QueueSink {
	if size <= 0 {
		size = DefaultSinkQueueSize
	}
	return &QueueSink{
		messages: make(chan Outbound, size),
		done:     make(chan struct{}),
	}
}

// Send queues msg, or reports false when the sink is closed or full.
func (s *QueueSink) Send(msg Outbound) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.messages <- msg:
		return true
	default:
		return false
	}
}

// Close marks the sink finished; it is safe to call more than once.
func (s *QueueSink) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Messages is drained by the transport writer.
func (s *QueueSink) Messages() <-chan Outbound {
	return s.messages
}

// Done is closed once the hub or the transport gives up on the sink.
func (s *QueueSink) Done() <-chan struct{} {
	return s.done
}
