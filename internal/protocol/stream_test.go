package protocol_test

import (
	"strings"
	"testing"

	"github.com/appkitstudio/llamactl/internal/protocol"
)

func contentChunk(text string) *protocol.ChatChunk {
	return &protocol.ChatChunk{Choices: []protocol.ChunkChoice{{
		Delta: protocol.ChunkDelta{Content: text},
	}}}
}

func finishChunk(reason string) *protocol.ChatChunk {
	return &protocol.ChatChunk{Choices: []protocol.ChunkChoice{{
		FinishReason: &reason,
	}}}
}

func toolChunk(index int, id, name, args string) *protocol.ChatChunk {
	return &protocol.ChatChunk{Choices: []protocol.ChunkChoice{{
		Delta: protocol.ChunkDelta{ToolCalls: []protocol.ToolCallDelta{{
			Index:    index,
			ID:       id,
			Function: protocol.FunctionDelta{Name: name, Arguments: args},
		}}},
	}}}
}

func eventTypes(events []protocol.Event) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// checkSequence verifies the structural rules of an Anthropic event stream:
// exactly one message_start first and one message_stop last, and every block
// start matched by one stop with no other block's deltas in between.
func checkSequence(t *testing.T, events []protocol.Event) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	if events[0].Type != "message_start" {
		t.Errorf("first event = %q, want message_start", events[0].Type)
	}
	if events[len(events)-1].Type != "message_stop" {
		t.Errorf("last event = %q, want message_stop", events[len(events)-1].Type)
	}

	starts, stops := 0, 0
	openBlock := -1
	seen := map[int]int{}
	for _, e := range events {
		switch e.Type {
		case "message_start":
			starts++
		case "message_stop":
			stops++
		case "content_block_start":
			data := e.Data.(protocol.ContentBlockStartEvent)
			if openBlock >= 0 {
				t.Errorf("block %d started while block %d still open", data.Index, openBlock)
			}
			openBlock = data.Index
			seen[data.Index]++
		case "content_block_delta":
			data := e.Data.(protocol.ContentBlockDeltaEvent)
			if data.Index != openBlock {
				t.Errorf("delta for block %d while block %d open", data.Index, openBlock)
			}
		case "content_block_stop":
			data := e.Data.(protocol.ContentBlockStopEvent)
			if data.Index != openBlock {
				t.Errorf("stop for block %d while block %d open", data.Index, openBlock)
			}
			openBlock = -1
		}
	}
	if starts != 1 || stops != 1 {
		t.Errorf("message_start/message_stop = %d/%d, want 1/1", starts, stops)
	}
	if openBlock >= 0 {
		t.Errorf("block %d never stopped", openBlock)
	}
	for idx, n := range seen {
		if n != 1 {
			t.Errorf("block %d started %d times", idx, n)
		}
	}
}

func TestStream_TextOnly(t *testing.T) {
	tr := protocol.NewStreamTranslator("qwen", 5)

	var events []protocol.Event
	for _, chunk := range []*protocol.ChatChunk{
		contentChunk("Hi"),
		contentChunk(" there"),
		finishChunk("stop"),
	} {
		events = append(events, tr.Process(chunk)...)
	}
	events = append(events, tr.Finish()...)

	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	got := eventTypes(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	checkSequence(t, events)

	start := events[0].Data.(protocol.MessageStartEvent)
	if start.Message.Model != "qwen" || start.Message.Usage.InputTokens != 5 {
		t.Errorf("message_start = %+v", start.Message)
	}
	if len(start.Message.Content) != 0 || start.Message.Content == nil {
		t.Errorf("message_start content = %#v, want empty array", start.Message.Content)
	}

	blockStart := events[1].Data.(protocol.ContentBlockStartEvent)
	if blockStart.Index != 0 || blockStart.ContentBlock.Type != "text" {
		t.Errorf("content_block_start = %+v", blockStart)
	}
	d1 := events[2].Data.(protocol.ContentBlockDeltaEvent)
	d2 := events[3].Data.(protocol.ContentBlockDeltaEvent)
	if d1.Delta.Text != "Hi" || d2.Delta.Text != " there" || d1.Delta.Type != "text_delta" {
		t.Errorf("deltas = %+v, %+v", d1, d2)
	}

	md := events[5].Data.(protocol.MessageDeltaEvent)
	if md.Delta.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q, want end_turn", md.Delta.StopReason)
	}
	// 8 characters of output at 4 per token, rounded up.
	if md.Usage.OutputTokens != 2 {
		t.Errorf("output_tokens = %d, want 2", md.Usage.OutputTokens)
	}
}

func TestStream_ToolCall(t *testing.T) {
	tr := protocol.NewStreamTranslator("m", 10)

	var events []protocol.Event
	for _, chunk := range []*protocol.ChatChunk{
		contentChunk("Let me check."),
		toolChunk(0, "call_1", "get_weather", `{"ci`),
		toolChunk(0, "", "", `ty":"SF"}`),
		finishChunk("tool_calls"),
	} {
		events = append(events, tr.Process(chunk)...)
	}
	events = append(events, tr.Finish()...)

	want := []string{
		"message_start",
		"content_block_start", // text, index 0
		"content_block_delta",
		"content_block_stop", // text closed before the tool block opens
		"content_block_start", // tool_use, index 1
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	got := eventTypes(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	checkSequence(t, events)

	toolStart := events[4].Data.(protocol.ContentBlockStartEvent)
	if toolStart.Index != 1 || toolStart.ContentBlock.Type != "tool_use" {
		t.Errorf("tool block start = %+v", toolStart)
	}
	if toolStart.ContentBlock.ID != "call_1" || toolStart.ContentBlock.Name != "get_weather" {
		t.Errorf("tool block header = %+v", toolStart.ContentBlock)
	}
	if string(toolStart.ContentBlock.Input) != "{}" {
		t.Errorf("tool block input = %s, want {}", toolStart.ContentBlock.Input)
	}

	j1 := events[5].Data.(protocol.ContentBlockDeltaEvent)
	j2 := events[6].Data.(protocol.ContentBlockDeltaEvent)
	if j1.Delta.Type != "input_json_delta" || j1.Delta.PartialJSON+j2.Delta.PartialJSON != `{"city":"SF"}` {
		t.Errorf("json deltas = %+v, %+v", j1, j2)
	}

	md := events[8].Data.(protocol.MessageDeltaEvent)
	if md.Delta.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", md.Delta.StopReason)
	}
}

func TestStream_UpstreamDroppedMidStream(t *testing.T) {
	tr := protocol.NewStreamTranslator("m", 1)

	events := tr.Process(contentChunk("partial"))
	events = append(events, tr.Finish()...)

	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	got := eventTypes(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	checkSequence(t, events)

	md := events[4].Data.(protocol.MessageDeltaEvent)
	if md.Delta.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q, want end_turn", md.Delta.StopReason)
	}
}

func TestStream_EmptyUpstream(t *testing.T) {
	tr := protocol.NewStreamTranslator("m", 0)
	events := tr.Finish()

	want := []string{"message_start", "message_delta", "message_stop"}
	got := eventTypes(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	checkSequence(t, events)
}

func TestStream_FinishAfterCompleteIsNoop(t *testing.T) {
	tr := protocol.NewStreamTranslator("m", 0)
	var events []protocol.Event
	events = append(events, tr.Process(contentChunk("done"))...)
	events = append(events, tr.Process(finishChunk("stop"))...)

	if extra := tr.Finish(); len(extra) != 0 {
		t.Errorf("Finish() after close emitted %v", eventTypes(extra))
	}
	if extra := tr.Process(contentChunk("late")); len(extra) != 0 {
		t.Errorf("Process() after close emitted %v", eventTypes(extra))
	}
	checkSequence(t, events)
}

func TestStream_BackendUsageWins(t *testing.T) {
	tr := protocol.NewStreamTranslator("m", 4)

	var events []protocol.Event
	events = append(events, tr.Process(contentChunk("some text here"))...)
	final := finishChunk("stop")
	final.Usage = &protocol.ChatUsage{PromptTokens: 4, CompletionTokens: 42}
	events = append(events, tr.Process(final)...)

	var md protocol.MessageDeltaEvent
	for _, e := range events {
		if e.Type == "message_delta" {
			md = e.Data.(protocol.MessageDeltaEvent)
		}
	}
	if md.Usage.OutputTokens != 42 {
		t.Errorf("output_tokens = %d, want backend-reported 42", md.Usage.OutputTokens)
	}
}

func TestEventEncode(t *testing.T) {
	e := protocol.Event{Type: "message_stop", Data: protocol.MessageStopEvent{Type: "message_stop"}}
	got := string(e.Encode())
	want := "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}
