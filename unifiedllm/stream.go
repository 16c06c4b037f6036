package unifiedllm

import (
	"context"
	"strings"
)

// textID names the single text part every adapter streams.
const textID = "text_0"

// textStream runs produce on a goroutine and turns the deltas it emits into
// the StreamEvent protocol: start, text start/delta/end, then finish or
// error. emit reports false once the consumer has gone away, after which
// produce should return. The returned response carries usage and finish
// details; its message is filled from the emitted text.
func textStream(ctx context.Context, produce func(emit func(delta string) bool) (*Response, error)) <-chan StreamEvent {
	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		send := func(ev StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(StreamEvent{Type: StreamStart}) {
			return
		}

		var text strings.Builder
		started, gone := false, false
		emit := func(delta string) bool {
			if gone {
				return false
			}
			if delta == "" {
				return true
			}
			if !started {
				started = true
				if !send(StreamEvent{Type: TextStart, TextID: textID}) {
					gone = true
					return false
				}
			}
			text.WriteString(delta)
			if !send(StreamEvent{Type: TextDelta, Delta: delta, TextID: textID}) {
				gone = true
				return false
			}
			return true
		}

		resp, err := produce(emit)
		switch {
		case gone:
		case err != nil:
			send(StreamEvent{Type: StreamError, Error: err})
		default:
			if started && !send(StreamEvent{Type: TextEnd, TextID: textID}) {
				return
			}
			if resp == nil {
				resp = &Response{FinishReason: FinishReason{Reason: "stop"}}
			}
			resp.Message = AssistantMessage(text.String())
			send(StreamEvent{
				Type:         StreamFinish,
				FinishReason: &resp.FinishReason,
				Usage:        &resp.Usage,
				Response:     resp,
			})
		}
	}()
	return ch
}

// CollectStream drains a stream, calling onDelta (if non-nil) for every text
// delta as it arrives, and returns the assembled response. If the stream
// ends without a finish event the concatenated deltas are returned.
//
// On error the remaining events are drained in the background so the
// producing goroutine is never blocked on a send.
func CollectStream(events <-chan StreamEvent, onDelta func(string)) (*Response, error) {
	var text strings.Builder
	for ev := range events {
		switch ev.Type {
		case TextDelta:
			text.WriteString(ev.Delta)
			if onDelta != nil && ev.Delta != "" {
				onDelta(ev.Delta)
			}
		case StreamError:
			go drain(events)
			if ev.Error == nil {
				return nil, &Error{Kind: KindStream, Message: "stream failed"}
			}
			return nil, ev.Error
		case StreamFinish:
			go drain(events)
			if ev.Response != nil {
				resp := *ev.Response
				if resp.Message.Content == "" {
					resp.Message = AssistantMessage(text.String())
				}
				return &resp, nil
			}
			return &Response{Message: AssistantMessage(text.String())}, nil
		}
	}
	return &Response{
		Message:      AssistantMessage(text.String()),
		FinishReason: FinishReason{Reason: "other"},
	}, nil
}

func drain(events <-chan StreamEvent) {
	for range events {
	}
}

