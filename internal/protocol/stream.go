package protocol

import "encoding/json"

// Event is one Anthropic SSE frame ready for the wire.
type Event struct {
	Type string
	Data interface{}
}

// Encode renders the event in SSE framing: "event: <type>\ndata: <json>\n\n".
func (e Event) Encode() []byte {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = []byte("{}")
	}
	buf := make([]byte, 0, len(e.Type)+len(data)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, e.Type...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf
}

// StreamTranslator converts a stream of OpenAI chat chunks into the Anthropic
// Messages event sequence. It is a pure state machine: Process and Finish
// return events in emission order and perform no I/O. One text block and any
// number of tool_use blocks may be produced; a block's start always precedes
// its deltas, and its stop precedes any later block's events.
type StreamTranslator struct {
	model       string
	inputTokens int

	started   bool
	finished  bool
	nextIndex int
	textIndex int // block index of the open text block, -1 when none

	tools     map[int]*toolState // keyed by the OpenAI tool_calls[].index
	toolOrder []int

	outputChars int
	usage       *ChatUsage // reported by the backend on the final chunk, when present
}

type toolState struct {
	blockIndex int
	id         string
	name       string
	started    bool
}

// NewStreamTranslator starts a translation for one response. inputTokens is
// the prompt estimate reported in message_start.
func NewStreamTranslator(model string, inputTokens int) *StreamTranslator {
	return &StreamTranslator{
		model:       model,
		inputTokens: inputTokens,
		textIndex:   -1,
		tools:       make(map[int]*toolState),
	}
}

// Process folds one chunk into the state machine and returns the Anthropic
// events it produces, possibly none. Chunks after the finish_reason are
// ignored except for trailing usage.
func (t *StreamTranslator) Process(chunk *ChatChunk) []Event {
	if chunk.Usage != nil {
		t.usage = chunk.Usage
	}
	if t.finished {
		return nil
	}

	var events []Event
	if !t.started {
		t.started = true
		events = append(events, t.messageStart())
	}
	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		if t.textIndex < 0 {
			t.textIndex = t.nextIndex
			t.nextIndex++
			empty := ""
			events = append(events, Event{Type: "content_block_start", Data: ContentBlockStartEvent{
				Type:         "content_block_start",
				Index:        t.textIndex,
				ContentBlock: StartBlock{Type: "text", Text: &empty},
			}})
		}
		t.outputChars += len(choice.Delta.Content)
		events = append(events, Event{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: t.textIndex,
			Delta: BlockDelta{Type: "text_delta", Text: choice.Delta.Content},
		}})
	}

	for _, tc := range choice.Delta.ToolCalls {
		st := t.tools[tc.Index]
		if st == nil {
			st = &toolState{blockIndex: -1}
			t.tools[tc.Index] = st
			t.toolOrder = append(t.toolOrder, tc.Index)
		}
		if tc.ID != "" {
			st.id = tc.ID
		}
		if tc.Function.Name != "" {
			st.name = tc.Function.Name
		}
		if !st.started && st.id != "" && st.name != "" {
			if t.textIndex >= 0 {
				events = append(events, blockStop(t.textIndex))
				t.textIndex = -1
			}
			st.blockIndex = t.nextIndex
			t.nextIndex++
			st.started = true
			events = append(events, Event{Type: "content_block_start", Data: ContentBlockStartEvent{
				Type:  "content_block_start",
				Index: st.blockIndex,
				ContentBlock: StartBlock{
					Type:  "tool_use",
					ID:    st.id,
					Name:  st.name,
					Input: json.RawMessage("{}"),
				},
			}})
		}
		if st.started && tc.Function.Arguments != "" {
			t.outputChars += len(tc.Function.Arguments)
			events = append(events, Event{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: st.blockIndex,
				Delta: BlockDelta{Type: "input_json_delta", PartialJSON: tc.Function.Arguments},
			}})
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		reason := StopReason(*choice.FinishReason)
		if len(t.toolOrder) > 0 {
			reason = "tool_use"
		}
		events = append(events, t.close(reason)...)
	}

	return events
}

// Finish emits the closing sequence if the upstream ended without a
// finish_reason. After a normal close it returns nothing.
func (t *StreamTranslator) Finish() []Event {
	var events []Event
	if !t.started {
		t.started = true
		events = append(events, t.messageStart())
	}
	events = append(events, t.close("end_turn")...)
	return events
}

func (t *StreamTranslator) close(stopReason string) []Event {
	if t.finished {
		return nil
	}
	t.finished = true

	var events []Event
	if t.textIndex >= 0 {
		events = append(events, blockStop(t.textIndex))
		t.textIndex = -1
	}
	for _, idx := range t.toolOrder {
		if st := t.tools[idx]; st.started {
			events = append(events, blockStop(st.blockIndex))
		}
	}

	out := (t.outputChars + 3) / 4
	if t.usage != nil {
		out = t.usage.CompletionTokens
	}
	events = append(events,
		Event{Type: "message_delta", Data: MessageDeltaEvent{
			Type:  "message_delta",
			Delta: MessageDelta{StopReason: stopReason},
			Usage: Usage{InputTokens: t.inputTokens, OutputTokens: out},
		}},
		Event{Type: "message_stop", Data: MessageStopEvent{Type: "message_stop"}},
	)
	return events
}

func (t *StreamTranslator) messageStart() Event {
	return Event{Type: "message_start", Data: MessageStartEvent{
		Type: "message_start",
		Message: MessagesResponse{
			ID:      NewMessageID(),
			Type:    "message",
			Role:    "assistant",
			Model:   t.model,
			Content: []ContentBlock{},
			Usage:   Usage{InputTokens: t.inputTokens},
		},
	}}
}

func blockStop(index int) Event {
	return Event{Type: "content_block_stop", Data: ContentBlockStopEvent{
		Type:  "content_block_stop",
		Index: index,
	}}
}
